// ABOUTME: Fallback poller for devices without an active subscription
// ABOUTME: The subscription registry decides which devices are polled
package eventing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/micbridge/micbridge-go/internal/device"
)

// DeviceListFunc returns the currently known devices.
type DeviceListFunc func() []device.Target

// Poller periodically queries devices the subscription manager does not
// cover. Queries run concurrently per device so one hung renderer never
// delays the others.
type Poller struct {
	manager   *Manager
	querier   Querier
	onChanged ChangeFunc
	devices   DeviceListFunc
	interval  time.Duration
}

// NewPoller creates a fallback poller.
func NewPoller(manager *Manager, querier Querier, onChanged ChangeFunc, devices DeviceListFunc, interval time.Duration) *Poller {
	return &Poller{
		manager:   manager,
		querier:   querier,
		onChanged: onChanged,
		devices:   devices,
		interval:  interval,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce queries every uncovered device and waits for the batch.
func (p *Poller) pollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, dev := range p.devices() {
		if p.manager.IsEventDriven(dev.Address) {
			continue
		}

		wg.Add(1)
		go func(dev device.Target) {
			defer wg.Done()
			p.poll(ctx, dev)
		}(dev)
	}
	wg.Wait()
}

func (p *Poller) poll(ctx context.Context, dev device.Target) {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	state, err := p.querier.TransportState(qctx, dev)
	if err != nil {
		log.Printf("Poll failed for %s: %v", dev, err)
		return
	}

	info := Info{TransportState: state}
	if pos, err := p.querier.PositionMetadata(qctx, dev); err == nil {
		info.TrackTitle = pos.TrackTitle
		info.TrackURI = pos.TrackURI
		info.RelTime = pos.RelTime
	}

	if p.onChanged != nil {
		p.onChanged(dev, info)
	}
}
