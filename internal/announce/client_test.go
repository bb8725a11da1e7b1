// ABOUTME: Tests for the announcement client against a fake WebSocket device
// ABOUTME: Covers the three-step exchange, capability gating, and timeouts
package announce

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micbridge/micbridge-go/internal/device"
)

// fakeSpeaker implements the device side of the announcement protocol over a
// TLS WebSocket endpoint.
type fakeSpeaker struct {
	mu            sync.Mutex
	apiKey        string
	capabilities  []string
	rejectClip    bool
	silent        bool // accept the session but never answer
	clipRequests  []ClipRequest
	clipPlayerIDs []string

	server *httptest.Server
	host   string
	port   int
}

func newFakeSpeaker(t *testing.T) *fakeSpeaker {
	t.Helper()
	f := &fakeSpeaker{capabilities: []string{"PLAYBACK", "AUDIO_CLIP"}}
	f.server = httptest.NewTLSServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.server.URL, "https://"))
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	f.host = host
	f.port, _ = strconv.Atoi(portStr)
	return f
}

func (f *fakeSpeaker) target() device.Target {
	return device.Target{Name: "Kitchen", Address: f.host, ControlPort: 1400}
}

func (f *fakeSpeaker) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.apiKey = r.Header.Get("X-Sonos-Api-Key")
	f.mu.Unlock()

	upgrader := websocket.Upgrader{Subprotocols: []string{"v1.api.smartspeaker.audio"}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		f.mu.Lock()
		silent := f.silent
		f.mu.Unlock()
		if silent {
			continue
		}

		var msg message
		if err := msg.UnmarshalJSON(data); err != nil {
			return
		}
		if err := f.respond(conn, msg); err != nil {
			return
		}
	}
}

func (f *fakeSpeaker) respond(conn *websocket.Conn, msg message) error {
	switch {
	case msg.Header.Command == "":
		return f.send(conn, Header{Type: "none", HouseholdID: "HH_test"}, nil)

	case msg.Header.Namespace == "groups" && msg.Header.Command == "getGroups":
		f.mu.Lock()
		caps := f.capabilities
		f.mu.Unlock()
		body, _ := json.Marshal(GroupsBody{Players: []Player{
			{
				ID:           "RINCON_OTHER",
				Name:         "Elsewhere",
				WebsocketURL: "wss://10.0.0.99:1443/websocket/api",
				Capabilities: []string{"PLAYBACK", "AUDIO_CLIP"},
			},
			{
				ID:           "RINCON_TARGET",
				Name:         "Kitchen",
				WebsocketURL: "wss://" + f.host + ":1443/websocket/api",
				Capabilities: caps,
			},
		}})
		return f.send(conn, Header{Type: "groups", HouseholdID: msg.Header.HouseholdID}, body)

	case msg.Header.Namespace == "audioClip" && msg.Header.Command == "loadAudioClip":
		var req ClipRequest
		json.Unmarshal(msg.Body, &req)

		f.mu.Lock()
		f.clipRequests = append(f.clipRequests, req)
		f.clipPlayerIDs = append(f.clipPlayerIDs, msg.Header.PlayerID)
		reject := f.rejectClip
		f.mu.Unlock()

		success := !reject
		if reject {
			return f.send(conn, Header{Type: "none", Success: &success}, nil)
		}
		body, _ := json.Marshal(ClipBody{ID: "clip-42", Status: "ACTIVE"})
		return f.send(conn, Header{Type: "audioClip", Success: &success}, body)

	default:
		return f.send(conn, Header{Type: "none"}, nil)
	}
}

func (f *fakeSpeaker) send(conn *websocket.Conn, hdr Header, body json.RawMessage) error {
	out, err := (message{Header: hdr, Body: body}).MarshalJSON()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (f *fakeSpeaker) receivedClips() ([]ClipRequest, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := make([]ClipRequest, len(f.clipRequests))
	copy(reqs, f.clipRequests)
	ids := make([]string, len(f.clipPlayerIDs))
	copy(ids, f.clipPlayerIDs)
	return reqs, ids
}

func TestPlayClipThreeStepExchange(t *testing.T) {
	f := newFakeSpeaker(t)
	c := NewClient(Config{APIKey: "test-key", AppID: "com.example.mic", Port: f.port})

	clipID, err := c.PlayClip(context.Background(), f.target(),
		"http://192.168.1.5:8931/stream.wav", "Live Microphone", 35)
	if err != nil {
		t.Fatalf("PlayClip: %v", err)
	}
	if clipID != "clip-42" {
		t.Errorf("clip id = %q", clipID)
	}

	f.mu.Lock()
	apiKey := f.apiKey
	f.mu.Unlock()
	if apiKey != "test-key" {
		t.Errorf("api key header = %q", apiKey)
	}

	reqs, playerIDs := f.receivedClips()
	if len(reqs) != 1 {
		t.Fatalf("clip requests = %d, want 1", len(reqs))
	}
	if reqs[0].StreamURL != "http://192.168.1.5:8931/stream.wav" {
		t.Errorf("stream url = %q", reqs[0].StreamURL)
	}
	if reqs[0].Name != "Live Microphone" {
		t.Errorf("clip name = %q", reqs[0].Name)
	}
	if reqs[0].AppID != "com.example.mic" {
		t.Errorf("app id = %q", reqs[0].AppID)
	}
	if reqs[0].Volume != 35 {
		t.Errorf("volume = %d", reqs[0].Volume)
	}
	if playerIDs[0] != "RINCON_TARGET" {
		t.Errorf("clip sent to player %q, want the address-matched one", playerIDs[0])
	}
}

func TestPlayClipWithoutCapability(t *testing.T) {
	f := newFakeSpeaker(t)
	f.mu.Lock()
	f.capabilities = []string{"PLAYBACK"}
	f.mu.Unlock()
	c := NewClient(Config{APIKey: "test-key", Port: f.port})

	_, err := c.PlayClip(context.Background(), f.target(), "http://h/s.wav", "Mic", 0)
	if !errors.Is(err, device.ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}

	if reqs, _ := f.receivedClips(); len(reqs) != 0 {
		t.Error("clip load must not be attempted without the capability")
	}
}

func TestPlayClipRejected(t *testing.T) {
	f := newFakeSpeaker(t)
	f.mu.Lock()
	f.rejectClip = true
	f.mu.Unlock()
	c := NewClient(Config{APIKey: "test-key", Port: f.port})

	_, err := c.PlayClip(context.Background(), f.target(), "http://h/s.wav", "Mic", 0)
	var perr *device.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for rejected clip, got %v", err)
	}
}

func TestPlayClipTimesOutOnSilentDevice(t *testing.T) {
	f := newFakeSpeaker(t)
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()
	c := NewClient(Config{APIKey: "test-key", Port: f.port, Timeout: 300 * time.Millisecond})

	start := time.Now()
	_, err := c.PlayClip(context.Background(), f.target(), "http://h/s.wav", "Mic", 0)
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, deadline not honored", elapsed)
	}
	if !device.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestPlayClipUnreachableDevice(t *testing.T) {
	c := NewClient(Config{APIKey: "test-key", Port: 1, Timeout: time.Second})
	dev := device.Target{Address: "127.0.0.1", ControlPort: 1400}

	_, err := c.PlayClip(context.Background(), dev, "http://h/s.wav", "Mic", 0)
	if err == nil {
		t.Fatal("expected error against closed port")
	}
	if !device.IsRetryable(err) {
		t.Errorf("dial failure should be retryable, got %v", err)
	}
}

func TestMessageWireForm(t *testing.T) {
	body := json.RawMessage(`{"name":"x"}`)
	out, err := (message{Header: Header{Namespace: "audioClip", Command: "loadAudioClip"}, Body: body}).MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out[0] != '[' || out[len(out)-1] != ']' {
		t.Errorf("wire form is not a two-element array: %s", out)
	}

	var back message
	if err := back.UnmarshalJSON(out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Header.Command != "loadAudioClip" {
		t.Errorf("command = %q", back.Header.Command)
	}
	if string(back.Body) != `{"name":"x"}` {
		t.Errorf("body = %s", back.Body)
	}
}

func TestMessageMarshalEmptyBody(t *testing.T) {
	out, err := (message{Header: Header{Namespace: "groups", Command: "getGroups"}}).MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasSuffix(string(out), ",{}]") {
		t.Errorf("nil body should marshal as empty object: %s", out)
	}
}
