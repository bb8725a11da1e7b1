// ABOUTME: XML escaping and tolerant extraction helpers for the control protocol
// ABOUTME: Item metadata is escaped twice in flight and must survive the round trip
package control

import (
	"fmt"
	"html"
	"strings"
)

// Escape replaces the five XML special characters. Applied once when a value
// is placed in a document, and again when that document is embedded as text
// inside another document.
func Escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

// Unescape decodes XML/HTML entities, including numeric references. Device
// responses re-escape embedded documents, so this runs once per nesting level.
func Unescape(s string) string {
	return html.UnescapeString(s)
}

// ExtractTag scans body for the first occurrence of <tag ...>...</tag> and
// returns the raw inner text. The scan is deliberately tolerant: device
// responses mix namespace prefixes and the payload is not always well formed
// enough for a strict parser.
func ExtractTag(body, tag string) (string, bool) {
	open := "<" + tag
	start := -1
	for from := 0; ; {
		idx := strings.Index(body[from:], open)
		if idx < 0 {
			return "", false
		}
		idx += from
		// The element name must end here, otherwise this is a longer name
		// with the same prefix (CurrentURI vs CurrentURIMetaData).
		next := idx + len(open)
		if next < len(body) {
			switch body[next] {
			case '>', '/', ' ', '\t', '\r', '\n':
				start = idx
			}
		}
		if start >= 0 {
			break
		}
		from = next
	}
	gt := strings.Index(body[start:], ">")
	if gt < 0 {
		return "", false
	}
	// Self-closing element has no inner text.
	if strings.HasSuffix(strings.TrimSpace(body[start:start+gt]), "/") {
		return "", true
	}
	innerStart := start + gt + 1

	closeTag := "</" + tag + ">"
	end := strings.Index(body[innerStart:], closeTag)
	if end < 0 {
		return "", false
	}
	return body[innerStart : innerStart+end], true
}

// BuildItemMetadata renders the DIDL-Lite item document for a stream URI.
// The title is escaped here (first level); the caller escapes the whole
// document again when embedding it in the transport request (second level).
func BuildItemMetadata(title, uri, mimeType string) string {
	return fmt.Sprintf(
		`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" `+
			`xmlns:dc="http://purl.org/dc/elements/1.1/" `+
			`xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
			`<item id="1" parentID="0" restricted="1">`+
			`<dc:title>%s</dc:title>`+
			`<upnp:class>object.item.audioItem.musicTrack</upnp:class>`+
			`<res protocolInfo="http-get:*:%s:*">%s</res>`+
			`</item></DIDL-Lite>`,
		Escape(title), mimeType, Escape(uri))
}

// ParseItemTitle recovers the display title from a DIDL-Lite document that
// arrived as doubly escaped text: the caller unescapes the outer envelope,
// this unescapes the inner document and pulls out the title.
func ParseItemTitle(metadata string) (string, bool) {
	doc := metadata
	if strings.Contains(doc, "&lt;") {
		doc = Unescape(doc)
	}
	title, ok := ExtractTag(doc, "dc:title")
	if !ok {
		return "", false
	}
	return Unescape(title), true
}
