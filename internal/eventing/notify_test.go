// ABOUTME: Tests for inbound notification handling on the callback server
// ABOUTME: Unknown subscription ids are rejected and never trigger a query
package eventing

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micbridge/micbridge-go/internal/control"
	"github.com/micbridge/micbridge-go/internal/device"
)

func notifyBody(state string) string {
	inner := fmt.Sprintf(`<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"><InstanceID val="0"><TransportState val="%s"/></InstanceID></Event>`, state)
	return fmt.Sprintf(
		`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><LastChange>%s</LastChange></e:property></e:propertyset>`,
		control.Escape(inner))
}

func sendNotify(t *testing.T, m *Manager, sid, body string) *http.Response {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/notify", m.Port())
	req, err := http.NewRequest("NOTIFY", url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build notify: %v", err)
	}
	if sid != "" {
		req.Header.Set("SID", sid)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("send notify: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestNotifyUnknownSIDRejected(t *testing.T) {
	q := &stubQuerier{state: "PLAYING"}
	m := startManager(t, q, nil)

	resp := sendNotify(t, m, "uuid:nobody", notifyBody("PLAYING"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown SID: status %d, want 400", resp.StatusCode)
	}

	time.Sleep(100 * time.Millisecond)
	if q.queryCalls() != 0 {
		t.Error("unknown SID must not trigger a state query")
	}
}

func TestNotifyMissingSIDRejected(t *testing.T) {
	m := startManager(t, &stubQuerier{}, nil)

	resp := sendNotify(t, m, "", notifyBody("PLAYING"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing SID: status %d, want 400", resp.StatusCode)
	}
}

func TestNotifyWrongMethodRejected(t *testing.T) {
	m := startManager(t, &stubQuerier{}, nil)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/notify", m.Port()),
		"text/xml", strings.NewReader(notifyBody("PLAYING")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST to callback: status %d, want 405", resp.StatusCode)
	}
}

func TestNotifyKnownSIDTriggersRequery(t *testing.T) {
	fake := newFakeEventDevice(t)
	q := &stubQuerier{state: "PLAYING"}

	var mu sync.Mutex
	var reported []Info
	onChanged := func(dev device.Target, info Info) {
		mu.Lock()
		reported = append(reported, info)
		mu.Unlock()
	}

	m := startManager(t, q, onChanged)
	target := fake.target(t)
	if err := m.Subscribe(target); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub, _ := m.SubscriptionFor(target.Address)

	resp := sendNotify(t, m, sub.SID, notifyBody("PLAYING"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("known SID: status %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reported)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) == 0 {
		t.Fatal("change callback never fired")
	}
	if reported[0].TransportState != "PLAYING" {
		t.Errorf("reported state = %q", reported[0].TransportState)
	}
	if reported[0].TrackTitle != "Live Microphone" {
		t.Errorf("reported title = %q", reported[0].TrackTitle)
	}
}

func TestNotifyIrrelevantChangeSkipsRequery(t *testing.T) {
	fake := newFakeEventDevice(t)
	q := &stubQuerier{state: "PLAYING"}
	m := startManager(t, q, nil)

	target := fake.target(t)
	if err := m.Subscribe(target); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub, _ := m.SubscriptionFor(target.Address)

	// A volume-only change carries no transport state and no track metadata.
	inner := `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/RCS/"><InstanceID val="0"><Volume channel="Master" val="30"/></InstanceID></Event>`
	body := fmt.Sprintf(
		`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><LastChange>%s</LastChange></e:property></e:propertyset>`,
		control.Escape(inner))

	resp := sendNotify(t, m, sub.SID, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	time.Sleep(100 * time.Millisecond)
	if q.queryCalls() != 0 {
		t.Error("irrelevant change must not trigger a state query")
	}
}
