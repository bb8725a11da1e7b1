// ABOUTME: Decoding of the doubly-escaped LastChange payload in notifications
// ABOUTME: The change document is XML embedded as escaped text inside the property set
package eventing

import (
	"strings"

	"github.com/micbridge/micbridge-go/internal/control"
)

// Change is the decoded content of one notification.
type Change struct {
	// Raw is the unescaped inner change document.
	Raw string
	// TransportState is the new state if the document carried one.
	TransportState string
	// CurrentTrackMetaData is the (still escaped) track metadata if present.
	CurrentTrackMetaData string
}

// StateRelevant reports whether the change should trigger a fresh metadata
// query. Volume-only and transport-settings-only notifications are skipped.
func (c Change) StateRelevant() bool {
	return c.TransportState != "" ||
		strings.Contains(c.Raw, "CurrentTrackMetaData") ||
		strings.Contains(c.Raw, "AVTransportURI")
}

// DecodeLastChange extracts and unescapes the change document from a raw
// notification body. Returns false when the body has no change payload.
func DecodeLastChange(body string) (Change, bool) {
	escaped, ok := control.ExtractTag(body, "LastChange")
	if !ok || strings.TrimSpace(escaped) == "" {
		return Change{}, false
	}

	// The property set escapes the change document once; some devices
	// escape it twice. Unescape until angle brackets appear.
	doc := control.Unescape(escaped)
	if !strings.Contains(doc, "<") && strings.Contains(doc, "&lt;") {
		doc = control.Unescape(doc)
	}

	change := Change{Raw: doc}
	if state, ok := extractAttr(doc, "TransportState"); ok {
		change.TransportState = state
	}
	if meta, ok := extractAttr(doc, "CurrentTrackMetaData"); ok {
		change.CurrentTrackMetaData = meta
	}
	return change, true
}

// extractAttr pulls the val attribute from an element like
// <TransportState val="PLAYING"/>.
func extractAttr(doc, element string) (string, bool) {
	start := strings.Index(doc, "<"+element)
	if start < 0 {
		return "", false
	}
	rest := doc[start:]
	valIdx := strings.Index(rest, `val="`)
	if valIdx < 0 {
		return "", false
	}
	rest = rest[valIdx+len(`val="`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return control.Unescape(rest[:end]), true
}
