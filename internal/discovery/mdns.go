// ABOUTME: mDNS renderer discovery feeding the core a stream of reachable devices
// ABOUTME: Browses continuously and deduplicates by device address
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/micbridge/micbridge-go/internal/device"
)

// Config holds discovery configuration.
type Config struct {
	ServiceType string // mDNS service type to browse, e.g. "_raop._tcp"
	ControlPort int    // control port assumed for discovered renderers
	Interval    time.Duration
}

// Manager browses for renderers and emits each newly reachable device once.
// The rest of the system only consumes the Devices channel.
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	devices chan device.Target

	mu   sync.Mutex
	seen map[string]struct{} // keyed by address
}

// NewManager creates a discovery manager.
func NewManager(config Config) *Manager {
	if config.ServiceType == "" {
		config.ServiceType = "_sonos._tcp"
	}
	if config.ControlPort == 0 {
		config.ControlPort = 1400
	}
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(chan device.Target, 10),
		seen:    make(map[string]struct{}),
	}
}

// Browse starts the background browse loop.
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop queries repeatedly until stopped.
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				m.report(device.Target{
					Name:        entry.Name,
					Address:     entry.AddrV4.String(),
					ControlPort: m.config.ControlPort,
				})
			}
		}()

		params := &mdns.QueryParam{
			Service: m.config.ServiceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}
		mdns.Query(params)
		close(entries)

		select {
		case <-time.After(m.config.Interval):
		case <-m.ctx.Done():
			return
		}
	}
}

// report emits a device the first time its address is seen.
func (m *Manager) report(dev device.Target) {
	m.mu.Lock()
	if _, ok := m.seen[dev.Address]; ok {
		m.mu.Unlock()
		return
	}
	m.seen[dev.Address] = struct{}{}
	m.mu.Unlock()

	log.Printf("Discovered renderer: %s", dev)

	select {
	case m.devices <- dev:
	case <-m.ctx.Done():
	}
}

// Devices returns the channel of newly discovered renderers.
func (m *Manager) Devices() <-chan device.Target {
	return m.devices
}

// Stop stops the discovery manager.
func (m *Manager) Stop() {
	m.cancel()
}

// LocalIP returns the primary non-loopback IPv4 address, used to build the
// stream and callback URLs devices connect back to.
func LocalIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String(), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no usable network interface found")
}
