// ABOUTME: Control protocol client for renderer transport and volume operations
// ABOUTME: Short-timeout SOAP request/response with per-call error classification
package control

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/micbridge/micbridge-go/internal/device"
	"github.com/micbridge/micbridge-go/internal/version"
)

const (
	transportService = "urn:schemas-upnp-org:service:AVTransport:1"
	transportPath    = "/MediaRenderer/AVTransport/Control"
	renderingService = "urn:schemas-upnp-org:service:RenderingControl:1"
	renderingPath    = "/MediaRenderer/RenderingControl/Control"

	// StreamMimeType is advertised in the item metadata for the PCM endpoint.
	StreamMimeType = "audio/wav"
)

// DefaultTimeout bounds every control round trip. No call blocks longer.
const DefaultTimeout = 5 * time.Second

// PositionInfo is the parsed result of a position metadata query.
type PositionInfo struct {
	TrackURI   string
	TrackTitle string
	RelTime    string
}

// Client issues control commands to renderers. Stateless per call; the only
// long-lived resource is the HTTP connection pool.
type Client struct {
	http *http.Client
}

// NewClient creates a control client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// SetSource points the renderer at a stream URI. The renderer is stopped
// first; a stop failure is ignored because already-stopped is not an error.
func (c *Client) SetSource(ctx context.Context, dev device.Target, uri, title string) error {
	if err := c.Stop(ctx, dev); err != nil {
		log.Printf("Ignoring stop before set-source on %s: %v", dev, err)
	}

	metadata := BuildItemMetadata(title, uri, StreamMimeType)
	args := fmt.Sprintf("<InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData>%s</CurrentURIMetaData>",
		Escape(uri), Escape(metadata))

	_, err := c.invoke(ctx, dev, transportPath, transportService, "SetAVTransportURI", args)
	return err
}

// Play starts playback of the current source.
func (c *Client) Play(ctx context.Context, dev device.Target) error {
	_, err := c.invoke(ctx, dev, transportPath, transportService, "Play",
		"<InstanceID>0</InstanceID><Speed>1</Speed>")
	return err
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context, dev device.Target) error {
	_, err := c.invoke(ctx, dev, transportPath, transportService, "Stop",
		"<InstanceID>0</InstanceID>")
	return err
}

// TransportState queries the renderer's transport state (PLAYING, STOPPED...).
func (c *Client) TransportState(ctx context.Context, dev device.Target) (string, error) {
	body, err := c.invoke(ctx, dev, transportPath, transportService, "GetTransportInfo",
		"<InstanceID>0</InstanceID>")
	if err != nil {
		return "", err
	}
	state, ok := ExtractTag(body, "CurrentTransportState")
	if !ok {
		return "", &device.ProtocolError{Detail: "response missing CurrentTransportState"}
	}
	return strings.TrimSpace(state), nil
}

// CurrentURI queries the renderer's current source URI.
func (c *Client) CurrentURI(ctx context.Context, dev device.Target) (string, error) {
	body, err := c.invoke(ctx, dev, transportPath, transportService, "GetMediaInfo",
		"<InstanceID>0</InstanceID>")
	if err != nil {
		return "", err
	}
	uri, ok := ExtractTag(body, "CurrentURI")
	if !ok {
		return "", &device.ProtocolError{Detail: "response missing CurrentURI"}
	}
	return Unescape(strings.TrimSpace(uri)), nil
}

// Volume queries the renderer's master volume (0-100).
func (c *Client) Volume(ctx context.Context, dev device.Target) (int, error) {
	body, err := c.invoke(ctx, dev, renderingPath, renderingService, "GetVolume",
		"<InstanceID>0</InstanceID><Channel>Master</Channel>")
	if err != nil {
		return 0, err
	}
	raw, ok := ExtractTag(body, "CurrentVolume")
	if !ok {
		return 0, &device.ProtocolError{Detail: "response missing CurrentVolume"}
	}
	vol, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &device.ProtocolError{Detail: fmt.Sprintf("bad volume %q", raw)}
	}
	return vol, nil
}

// PositionMetadata queries the current track position and metadata. The
// track metadata arrives doubly escaped inside the response element.
func (c *Client) PositionMetadata(ctx context.Context, dev device.Target) (PositionInfo, error) {
	body, err := c.invoke(ctx, dev, transportPath, transportService, "GetPositionInfo",
		"<InstanceID>0</InstanceID>")
	if err != nil {
		return PositionInfo{}, err
	}

	info := PositionInfo{}
	if uri, ok := ExtractTag(body, "TrackURI"); ok {
		info.TrackURI = Unescape(strings.TrimSpace(uri))
	}
	if rel, ok := ExtractTag(body, "RelTime"); ok {
		info.RelTime = strings.TrimSpace(rel)
	}
	if meta, ok := ExtractTag(body, "TrackMetaData"); ok {
		if title, ok := ParseItemTitle(meta); ok {
			info.TrackTitle = title
		}
	}
	return info, nil
}

// invoke performs one SOAP round trip and classifies failures: network-level
// errors are retryable unreachability, device rejections are protocol errors.
func (c *Client) invoke(ctx context.Context, dev device.Target, path, service, action, args string) (string, error) {
	envelope := fmt.Sprintf(
		`<?xml version="1.0" encoding="utf-8"?>`+
			`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" `+
			`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`+
			`<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`,
		action, service, args, action)

	url := dev.ControlURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(envelope))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", service+"#"+action))
	req.Header.Set("User-Agent", version.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w: %v", action, dev, device.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w: %v", action, dev, device.ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &device.ProtocolError{
			Code:   resp.StatusCode,
			Detail: fmt.Sprintf("%s rejected by %s", action, dev),
		}
	}
	return string(body), nil
}
