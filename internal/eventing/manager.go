// ABOUTME: Event subscription manager for renderer change notifications
// ABOUTME: Subscribes, renews before expiry, and degrades to polling on failure
package eventing

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/micbridge/micbridge-go/internal/control"
	"github.com/micbridge/micbridge-go/internal/device"
	"github.com/micbridge/micbridge-go/internal/version"
)

const (
	eventPath    = "/MediaRenderer/AVTransport/Event"
	callbackPath = "/notify"

	// renewFraction is how far into the granted timeout the renewal fires.
	// Renewing well before expiry avoids racing the device's own clock.
	renewFraction = 0.85
)

// State tracks where a device is in the subscription lifecycle.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	Renewing
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Renewing:
		return "renewing"
	default:
		return "unsubscribed"
	}
}

// Subscription records one active subscription. At most one per device.
type Subscription struct {
	SID        string
	Device     device.Target
	CreatedAt  time.Time
	TimeoutSec int
}

// Info is the freshly queried state reported to the collaborator.
type Info struct {
	TransportState string
	TrackTitle     string
	TrackURI       string
	RelTime        string
}

// Querier re-queries a device's current state after a change notification.
// Implemented by the control client.
type Querier interface {
	TransportState(ctx context.Context, dev device.Target) (string, error)
	PositionMetadata(ctx context.Context, dev device.Target) (control.PositionInfo, error)
}

// ChangeFunc receives state updates for a device, from notifications or polls.
type ChangeFunc func(device.Target, Info)

// Manager owns the subscription registry and the embedded callback server.
// The registry is the single source of truth for which devices are
// event-driven; everything absent from it belongs to the fallback poller.
type Manager struct {
	querier    Querier
	onChanged  ChangeFunc
	httpClient *http.Client

	// Advertised callback host; the port is read from the bound listener.
	callbackHost string
	requestedSec int

	listener net.Listener
	server   *http.Server

	mu     sync.Mutex
	subs   map[string]*Subscription // keyed by device address
	bySID  map[string]device.Target
	states map[string]State
	timers map[string]*time.Timer
}

// NewManager creates a manager. Start must be called (and succeed) before
// any Subscribe: the callback URL needs the bound port.
func NewManager(querier Querier, onChanged ChangeFunc, callbackHost string, requestedSec int) *Manager {
	return &Manager{
		querier:      querier,
		onChanged:    onChanged,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		callbackHost: callbackHost,
		requestedSec: requestedSec,
		subs:         make(map[string]*Subscription),
		bySID:        make(map[string]device.Target),
		states:       make(map[string]State),
		timers:       make(map[string]*time.Timer),
	}
}

// Start binds the callback server and begins accepting notifications. The
// bind happens first so the port is known before the first subscribe call.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("bind callback server: %w", err)
	}
	m.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, m.handleNotify)
	m.server = &http.Server{Handler: mux}

	go func() {
		if err := m.server.Serve(ln); err != http.ErrServerClosed {
			log.Printf("Callback server error: %v", err)
		}
	}()

	log.Printf("Event callback server listening on port %d", m.Port())
	return nil
}

// Port returns the callback server's bound port. Only valid after Start.
func (m *Manager) Port() int {
	return m.listener.Addr().(*net.TCPAddr).Port
}

// callbackURL is the URL devices push notifications to.
func (m *Manager) callbackURL() string {
	return fmt.Sprintf("http://%s:%d%s", m.callbackHost, m.Port(), callbackPath)
}

// Stop cancels all renewal timers, unsubscribes best-effort, and shuts the
// callback server down.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	for addr, timer := range m.timers {
		timer.Stop()
		delete(m.timers, addr)
	}
	m.subs = make(map[string]*Subscription)
	m.bySID = make(map[string]device.Target)
	m.states = make(map[string]State)
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.sendUnsubscribe(ctx, sub); err != nil {
			log.Printf("Unsubscribe %s failed: %v", sub.Device, err)
		}
	}

	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			log.Printf("Callback server shutdown: %v", err)
		}
	}
}

// Subscribe establishes a change-notification subscription for a device,
// replacing any existing one.
func (m *Manager) Subscribe(dev device.Target) error {
	if m.listener == nil {
		return fmt.Errorf("callback server not started")
	}

	m.mu.Lock()
	if m.states[dev.Address] == Subscribing {
		m.mu.Unlock()
		return nil
	}
	m.states[dev.Address] = Subscribing
	m.mu.Unlock()

	sub, err := m.sendSubscribe(dev)
	if err != nil {
		m.mu.Lock()
		m.states[dev.Address] = Unsubscribed
		m.mu.Unlock()
		return err
	}

	m.register(sub)
	log.Printf("Subscribed to %s (SID %s, timeout %ds)", dev, sub.SID, sub.TimeoutSec)
	return nil
}

// register records a subscription and schedules its renewal.
func (m *Manager) register(sub *Subscription) {
	addr := sub.Device.Address

	m.mu.Lock()
	if old, ok := m.subs[addr]; ok {
		delete(m.bySID, old.SID)
	}
	if timer, ok := m.timers[addr]; ok {
		timer.Stop()
	}
	m.subs[addr] = sub
	m.bySID[sub.SID] = sub.Device
	m.states[addr] = Subscribed
	m.timers[addr] = time.AfterFunc(renewDelay(sub.TimeoutSec), func() {
		m.renew(sub.Device)
	})
	m.mu.Unlock()
}

// renewDelay computes when to renew a subscription granted timeoutSec.
func renewDelay(timeoutSec int) time.Duration {
	return time.Duration(float64(timeoutSec) * renewFraction * float64(time.Second))
}

// renew refreshes a subscription before it expires. On failure the
// subscription is dropped and exactly one fresh subscribe is attempted; a
// second failure leaves the device to the fallback poller.
func (m *Manager) renew(dev device.Target) {
	m.mu.Lock()
	sub, ok := m.subs[dev.Address]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.states[dev.Address] = Renewing
	m.mu.Unlock()

	renewed, err := m.sendRenew(sub)
	if err == nil {
		m.register(renewed)
		return
	}
	log.Printf("Renewal failed for %s: %v, attempting fresh subscription", dev, err)

	m.remove(dev.Address)
	if err := m.Subscribe(dev); err != nil {
		log.Printf("Resubscribe failed for %s: %v, falling back to polling", dev, err)
	}
}

// Unsubscribe drops the device's subscription and notifies the device.
func (m *Manager) Unsubscribe(ctx context.Context, dev device.Target) {
	m.mu.Lock()
	sub, ok := m.subs[dev.Address]
	m.mu.Unlock()

	m.remove(dev.Address)
	if ok {
		if err := m.sendUnsubscribe(ctx, sub); err != nil {
			log.Printf("Unsubscribe %s failed: %v", dev, err)
		}
	}
}

// remove clears registry state for a device address.
func (m *Manager) remove(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[addr]; ok {
		delete(m.bySID, sub.SID)
		delete(m.subs, addr)
	}
	if timer, ok := m.timers[addr]; ok {
		timer.Stop()
		delete(m.timers, addr)
	}
	m.states[addr] = Unsubscribed
}

// IsEventDriven reports whether a device is covered by eventing. Devices in
// transitional states count as covered so the poller never duplicates a
// query during (re)subscription.
func (m *Manager) IsEventDriven(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[addr] != Unsubscribed
}

// SubscriptionFor returns the active subscription for a device address.
func (m *Manager) SubscriptionFor(addr string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[addr]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// sendSubscribe issues the subscription request with our callback URL.
func (m *Manager) sendSubscribe(dev device.Target) (*Subscription, error) {
	req, err := http.NewRequest("SUBSCRIBE", dev.ControlURL()+eventPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build subscribe: %w", err)
	}
	req.Header.Set("CALLBACK", "<"+m.callbackURL()+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", m.requestedSec))

	return m.doSubscribe(req, dev)
}

// sendRenew refreshes an existing subscription by SID.
func (m *Manager) sendRenew(sub *Subscription) (*Subscription, error) {
	req, err := http.NewRequest("SUBSCRIBE", sub.Device.ControlURL()+eventPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build renew: %w", err)
	}
	req.Header.Set("SID", sub.SID)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", m.requestedSec))

	return m.doSubscribe(req, sub.Device)
}

// doSubscribe sends a subscribe/renew request and parses the grant.
func (m *Manager) doSubscribe(req *http.Request, dev device.Target) (*Subscription, error) {
	req.Header.Set("User-Agent", version.UserAgent)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %v", dev, device.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &device.ProtocolError{Code: resp.StatusCode, Detail: fmt.Sprintf("subscribe rejected by %s", dev)}
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		return nil, &device.ProtocolError{Detail: fmt.Sprintf("subscribe response from %s missing SID", dev)}
	}

	return &Subscription{
		SID:        sid,
		Device:     dev,
		CreatedAt:  time.Now(),
		TimeoutSec: parseTimeout(resp.Header.Get("TIMEOUT"), m.requestedSec),
	}, nil
}

// sendUnsubscribe tells the device to drop a subscription.
func (m *Manager) sendUnsubscribe(ctx context.Context, sub *Subscription) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", sub.Device.ControlURL()+eventPath, nil)
	if err != nil {
		return fmt.Errorf("build unsubscribe: %w", err)
	}
	req.Header.Set("SID", sub.SID)
	req.Header.Set("User-Agent", version.UserAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w: %v", sub.Device, device.ErrUnreachable, err)
	}
	resp.Body.Close()
	return nil
}

// parseTimeout extracts the granted seconds from a "Second-N" header value.
func parseTimeout(header string, fallback int) int {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Second-"); ok {
		if sec, err := strconv.Atoi(rest); err == nil && sec > 0 {
			return sec
		}
	}
	return fallback
}
