// ABOUTME: WebSocket announcement client for ducked clip playback
// ABOUTME: One short-lived session per request with an overall deadline
package announce

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micbridge/micbridge-go/internal/device"
)

const (
	// DefaultPort is the device's secure WebSocket port.
	DefaultPort = 1443

	wsPath      = "/websocket/api"
	subprotocol = "v1.api.smartspeaker.audio"
	apiKeyHdr   = "X-Sonos-Api-Key"

	// DefaultTimeout bounds the whole three-step exchange so an unreachable
	// device never hangs a session.
	DefaultTimeout = 10 * time.Second
)

// Config holds announcement client configuration.
type Config struct {
	APIKey  string
	AppID   string
	Port    int           // 0 = DefaultPort
	Timeout time.Duration // 0 = DefaultTimeout
}

// Client performs announcement (ducked clip) requests. Each request opens
// its own WebSocket session and discards all state afterwards.
type Client struct {
	config Config
}

// NewClient creates an announcement client.
func NewClient(config Config) *Client {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.AppID == "" {
		config.AppID = "com.micbridge.relay"
	}
	return &Client{config: config}
}

// PlayClip asks the device to play streamURL as a ducked clip, returning the
// device-assigned clip identifier. volume <= 0 leaves the device's choice.
func (c *Client) PlayClip(ctx context.Context, dev device.Target, streamURL, title string, volume int) (string, error) {
	deadline := time.Now().Add(c.config.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := c.dial(ctx, dev)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	// Step 1: an empty command. The device answers even unrecognized
	// commands with a header carrying the household id; this is the
	// documented way to learn it, not an error path.
	resp, _, err := c.roundTrip(conn, Header{}, nil)
	if err != nil {
		return "", fmt.Errorf("household discovery on %s: %w", dev, err)
	}
	householdID := resp.HouseholdID
	if householdID == "" {
		return "", &device.ProtocolError{Detail: fmt.Sprintf("no household id from %s", dev)}
	}

	// Step 2: resolve the target player within the household.
	player, err := c.findPlayer(conn, householdID, dev)
	if err != nil {
		return "", err
	}

	// Step 3: load the clip on the resolved player.
	body, err := json.Marshal(ClipRequest{
		Name:      title,
		AppID:     c.config.AppID,
		StreamURL: streamURL,
		Volume:    volume,
	})
	if err != nil {
		return "", fmt.Errorf("marshal clip request: %w", err)
	}

	clipHdr := Header{
		Namespace:   "audioClip",
		Command:     "loadAudioClip",
		HouseholdID: householdID,
		PlayerID:    player.ID,
	}
	resp, raw, err := c.roundTrip(conn, clipHdr, body)
	if err != nil {
		return "", fmt.Errorf("clip load on %s: %w", dev, err)
	}
	if resp.Success != nil && !*resp.Success {
		return "", &device.ProtocolError{Detail: fmt.Sprintf("clip load rejected by %s", dev)}
	}

	var clip ClipBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &clip); err != nil {
			return "", &device.ProtocolError{Detail: fmt.Sprintf("malformed clip response from %s", dev)}
		}
	}

	log.Printf("Announcement clip %s loaded on %s", clip.ID, player.Name)
	return clip.ID, nil
}

// findPlayer queries device groups and matches the target by its address
// embedded in the player's connection URL.
func (c *Client) findPlayer(conn *websocket.Conn, householdID string, dev device.Target) (Player, error) {
	hdr := Header{Namespace: "groups", Command: "getGroups", HouseholdID: householdID}
	_, raw, err := c.roundTrip(conn, hdr, nil)
	if err != nil {
		return Player{}, fmt.Errorf("group query on %s: %w", dev, err)
	}

	var groups GroupsBody
	if err := json.Unmarshal(raw, &groups); err != nil {
		return Player{}, &device.ProtocolError{Detail: fmt.Sprintf("malformed groups response from %s", dev)}
	}

	for _, p := range groups.Players {
		if !strings.Contains(p.WebsocketURL, dev.Address) {
			continue
		}
		if !p.HasAudioClip() {
			return Player{}, fmt.Errorf("player %s on %s: %w", p.Name, dev, device.ErrCapabilityUnsupported)
		}
		return p, nil
	}
	return Player{}, &device.ProtocolError{Detail: fmt.Sprintf("no player for %s in household", dev)}
}

// dial opens the secure WebSocket session with the required headers. Device
// certificates are self-signed, so verification is skipped.
func (c *Client) dial(ctx context.Context, dev device.Target) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		Subprotocols:    []string{subprotocol},
	}

	url := fmt.Sprintf("wss://%s:%d%s", dev.Address, c.config.Port, wsPath)
	headers := map[string][]string{apiKeyHdr: {c.config.APIKey}}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("dial %s: %w", dev, device.ErrTimeout)
		}
		return nil, fmt.Errorf("dial %s: %w: %v", dev, device.ErrUnreachable, err)
	}
	return conn, nil
}

// roundTrip sends one [header, body] message and waits for the reply.
func (c *Client) roundTrip(conn *websocket.Conn, hdr Header, body json.RawMessage) (Header, json.RawMessage, error) {
	out, err := json.Marshal(message{Header: hdr, Body: body})
	if err != nil {
		return Header{}, nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		if isTimeout(err) {
			return Header{}, nil, device.ErrTimeout
		}
		return Header{}, nil, fmt.Errorf("%w: %v", device.ErrUnreachable, err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return Header{}, nil, device.ErrTimeout
		}
		return Header{}, nil, fmt.Errorf("%w: %v", device.ErrUnreachable, err)
	}

	var resp message
	if err := json.Unmarshal(data, &resp); err != nil {
		return Header{}, nil, &device.ProtocolError{Detail: "malformed response frame"}
	}
	return resp.Header, resp.Body, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
