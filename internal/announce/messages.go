// ABOUTME: Announcement protocol message definitions
// ABOUTME: Every exchange is a two-element JSON array of header and body
package announce

import "encoding/json"

// Header is the first element of every message.
type Header struct {
	Namespace   string `json:"namespace"`
	Command     string `json:"command,omitempty"`
	HouseholdID string `json:"householdId,omitempty"`
	PlayerID    string `json:"playerId,omitempty"`

	// Response fields
	Response string `json:"response,omitempty"`
	Type     string `json:"type,omitempty"`
	Success  *bool  `json:"success,omitempty"`
}

// message is the wire form: [header, body].
type message struct {
	Header Header
	Body   json.RawMessage
}

// MarshalJSON renders the two-element array.
func (m message) MarshalJSON() ([]byte, error) {
	body := m.Body
	if body == nil {
		body = json.RawMessage("{}")
	}
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, err
	}
	out := append([]byte{'['}, header...)
	out = append(out, ',')
	out = append(out, body...)
	return append(out, ']'), nil
}

// UnmarshalJSON parses the two-element array.
func (m *message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &m.Header); err != nil {
			return err
		}
	}
	if len(parts) > 1 {
		m.Body = parts[1]
	}
	return nil
}

// Player describes one renderer in the groups response.
type Player struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	WebsocketURL string   `json:"websocketUrl"`
	Capabilities []string `json:"capabilities"`
}

// GroupsBody is the body of a getGroups response.
type GroupsBody struct {
	Players []Player `json:"players"`
}

// ClipRequest is the body of a loadAudioClip command.
type ClipRequest struct {
	Name      string `json:"name"`
	AppID     string `json:"appId"`
	StreamURL string `json:"streamUrl"`
	Volume    int    `json:"volume,omitempty"`
}

// ClipBody is the body of a loadAudioClip response.
type ClipBody struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// audioClipCapability is the capability flag a player must advertise before
// a clip load is attempted.
const audioClipCapability = "AUDIO_CLIP"

// HasAudioClip reports whether the player can render ducked clips.
func (p Player) HasAudioClip() bool {
	for _, c := range p.Capabilities {
		if c == audioClipCapability {
			return true
		}
	}
	return false
}
