// ABOUTME: Tests for the control client against a fake renderer endpoint
// ABOUTME: Verifies action ordering, error classification, and response parsing
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micbridge/micbridge-go/internal/device"
	"github.com/micbridge/micbridge-go/internal/version"
)

// fakeRenderer records the actions it receives and answers with canned
// response bodies per action name.
type fakeRenderer struct {
	mu        sync.Mutex
	actions   []string
	userAgent string
	bodies    map[string]string
	failStop  bool
	rejectAll bool

	server *httptest.Server
}

func newFakeRenderer(t *testing.T) *fakeRenderer {
	t.Helper()
	f := &fakeRenderer{bodies: make(map[string]string)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRenderer) handle(w http.ResponseWriter, r *http.Request) {
	soapAction := r.Header.Get("SOAPACTION")
	parts := strings.Split(strings.Trim(soapAction, `"`), "#")
	action := parts[len(parts)-1]

	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.userAgent = r.Header.Get("User-Agent")
	failStop := f.failStop
	rejectAll := f.rejectAll
	resp := f.bodies[action]
	f.mu.Unlock()

	if rejectAll || (failStop && action == "Stop") {
		http.Error(w, "UPnPError", http.StatusInternalServerError)
		return
	}
	if !strings.Contains(string(body), "<u:"+action) {
		http.Error(w, "action body mismatch", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	fmt.Fprintf(w, `<s:Envelope><s:Body><u:%sResponse>%s</u:%sResponse></s:Body></s:Envelope>`,
		action, resp, action)
}

func (f *fakeRenderer) target(t *testing.T) device.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.server.URL, "http://"))
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return device.Target{Name: "Fake Room", Address: host, ControlPort: port}
}

func (f *fakeRenderer) receivedActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.actions))
	copy(out, f.actions)
	return out
}

func TestSetSourceStopsFirst(t *testing.T) {
	f := newFakeRenderer(t)
	c := NewClient(DefaultTimeout)

	err := c.SetSource(context.Background(), f.target(t),
		"http://192.168.1.5:8931/stream.wav", "Live Microphone")
	if err != nil {
		t.Fatalf("SetSource: %v", err)
	}

	got := f.receivedActions()
	want := []string{"Stop", "SetAVTransportURI"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestSetSourceIgnoresStopFailure(t *testing.T) {
	f := newFakeRenderer(t)
	f.failStop = true
	c := NewClient(DefaultTimeout)

	err := c.SetSource(context.Background(), f.target(t), "http://h/s.wav", "Mic")
	if err != nil {
		t.Fatalf("SetSource should succeed despite stop failure: %v", err)
	}
}

func TestUnreachableDeviceIsRetryable(t *testing.T) {
	c := NewClient(500 * time.Millisecond)
	dev := device.Target{Address: "127.0.0.1", ControlPort: 1} // nothing listens here

	err := c.Play(context.Background(), dev)
	if err == nil {
		t.Fatal("expected error against closed port")
	}
	if !errors.Is(err, device.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
	if !device.IsRetryable(err) {
		t.Error("unreachable failure should be retryable")
	}
}

func TestRejectionIsProtocolError(t *testing.T) {
	f := newFakeRenderer(t)
	f.rejectAll = true
	c := NewClient(DefaultTimeout)

	err := c.Play(context.Background(), f.target(t))
	var perr *device.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Code != http.StatusInternalServerError {
		t.Errorf("code = %d", perr.Code)
	}
	if device.IsRetryable(err) {
		t.Error("protocol rejection must not be retryable")
	}
}

func TestRequestsCarryProductIdentity(t *testing.T) {
	f := newFakeRenderer(t)
	c := NewClient(DefaultTimeout)

	if err := c.Play(context.Background(), f.target(t)); err != nil {
		t.Fatalf("Play: %v", err)
	}

	f.mu.Lock()
	ua := f.userAgent
	f.mu.Unlock()
	if !strings.Contains(ua, version.Product) || !strings.Contains(ua, version.Manufacturer) {
		t.Errorf("User-Agent %q missing product identity", ua)
	}
}

func TestTransportState(t *testing.T) {
	f := newFakeRenderer(t)
	f.bodies["GetTransportInfo"] = "<CurrentTransportState>PLAYING</CurrentTransportState><CurrentTransportStatus>OK</CurrentTransportStatus>"
	c := NewClient(DefaultTimeout)

	state, err := c.TransportState(context.Background(), f.target(t))
	if err != nil {
		t.Fatalf("TransportState: %v", err)
	}
	if state != "PLAYING" {
		t.Errorf("state = %q", state)
	}
}

func TestVolume(t *testing.T) {
	f := newFakeRenderer(t)
	f.bodies["GetVolume"] = "<CurrentVolume>37</CurrentVolume>"
	c := NewClient(DefaultTimeout)

	vol, err := c.Volume(context.Background(), f.target(t))
	if err != nil {
		t.Fatalf("Volume: %v", err)
	}
	if vol != 37 {
		t.Errorf("vol = %d", vol)
	}
}

func TestCurrentURIUnescaped(t *testing.T) {
	f := newFakeRenderer(t)
	f.bodies["GetMediaInfo"] = "<CurrentURI>http://h/s.wav?a=1&amp;b=2</CurrentURI>"
	c := NewClient(DefaultTimeout)

	uri, err := c.CurrentURI(context.Background(), f.target(t))
	if err != nil {
		t.Fatalf("CurrentURI: %v", err)
	}
	if uri != "http://h/s.wav?a=1&b=2" {
		t.Errorf("uri = %q", uri)
	}
}

func TestPositionMetadataParsesEmbeddedTitle(t *testing.T) {
	f := newFakeRenderer(t)
	metadata := BuildItemMetadata("Live & Loud", "http://h/s.wav", StreamMimeType)
	f.bodies["GetPositionInfo"] = fmt.Sprintf(
		"<Track>1</Track><TrackMetaData>%s</TrackMetaData><TrackURI>http://h/s.wav</TrackURI><RelTime>0:01:23</RelTime>",
		Escape(metadata))
	c := NewClient(DefaultTimeout)

	info, err := c.PositionMetadata(context.Background(), f.target(t))
	if err != nil {
		t.Fatalf("PositionMetadata: %v", err)
	}
	if info.TrackTitle != "Live & Loud" {
		t.Errorf("title = %q", info.TrackTitle)
	}
	if info.TrackURI != "http://h/s.wav" {
		t.Errorf("uri = %q", info.TrackURI)
	}
	if info.RelTime != "0:01:23" {
		t.Errorf("reltime = %q", info.RelTime)
	}
}

func TestMissingResponseFieldIsProtocolError(t *testing.T) {
	f := newFakeRenderer(t)
	f.bodies["GetTransportInfo"] = "<Nothing/>"
	c := NewClient(DefaultTimeout)

	_, err := c.TransportState(context.Background(), f.target(t))
	var perr *device.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for missing field, got %v", err)
	}
}
