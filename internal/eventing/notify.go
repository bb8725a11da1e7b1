// ABOUTME: Inbound notification handling for the embedded callback server
// ABOUTME: Validates the subscription id and decodes the escaped change payload
package eventing

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/micbridge/micbridge-go/internal/device"
)

// handleNotify accepts one push notification from a device. Unknown or
// missing subscription identifiers are rejected; nothing is re-queried for
// them.
func (m *Manager) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "missing SID", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	dev, known := m.bySID[sid]
	m.mu.Unlock()
	if !known {
		http.Error(w, "unknown SID", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	change, ok := DecodeLastChange(string(body))
	if !ok {
		log.Printf("Notification from %s carried no change payload", dev)
		return
	}

	if !change.StateRelevant() {
		return
	}

	// The fresh query runs off the request goroutine so a slow device never
	// stalls the callback server's accept loop.
	go m.requery(dev)
}

// requery fetches the device's current state and reports it.
func (m *Manager) requery(dev device.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info := Info{}
	state, err := m.querier.TransportState(ctx, dev)
	if err != nil {
		log.Printf("State query after notification failed for %s: %v", dev, err)
		return
	}
	info.TransportState = state

	if pos, err := m.querier.PositionMetadata(ctx, dev); err == nil {
		info.TrackTitle = pos.TrackTitle
		info.TrackURI = pos.TrackURI
		info.RelTime = pos.RelTime
	} else {
		log.Printf("Position query after notification failed for %s: %v", dev, err)
	}

	if m.onChanged != nil {
		m.onChanged(dev, info)
	}
}
