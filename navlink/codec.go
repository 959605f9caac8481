package navlink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HashPrefix marks a URL fragment that carries a navigation target.
const HashPrefix = "xid_"

const typeSeparator = ":"

// EncodeHash renders t as a URL fragment, including the leading '#'.
// The payload is "<profileType>:<entityId>" in unpadded base64url so the
// fragment stays URL-safe whatever the id contains.
func EncodeHash(t Target) string {
	payload := string(t.Profile) + typeSeparator + t.EntityID
	return "#" + HashPrefix + base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// ParseHash decodes a fragment produced by EncodeHash. The leading '#' is
// optional. A payload without a recognised profile type is accepted as a bare
// entity id and returned with an empty Profile, which matches any view.
func ParseHash(hash string) (Target, bool) {
	hash = strings.TrimPrefix(hash, "#")
	encoded, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok || encoded == "" {
		return Target{}, false
	}
	raw, err := decodeBase64(encoded)
	if err != nil || len(raw) == 0 {
		return Target{}, false
	}
	payload := string(raw)
	if prefix, id, found := strings.Cut(payload, typeSeparator); found {
		if p := ProfileType(prefix); p.Valid() {
			if id == "" {
				return Target{}, false
			}
			return Target{Profile: p, EntityID: id}, true
		}
	}
	return Target{EntityID: payload}, true
}

// decodeBase64 accepts both the URL and standard alphabets, padded or not,
// since links are produced by more than one application.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Message is the wire form of a target on the storage and message-bus
// channels. Timestamp is milliseconds since the Unix epoch; it makes every
// write distinct so a repeated hand-off of the same target is still observed
// as a change.
type Message struct {
	ProfileType ProfileType `json:"profileType"`
	EntityID    string      `json:"entityId"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// NewMessage stamps t with now.
func NewMessage(t Target, now time.Time) Message {
	return Message{ProfileType: t.Profile, EntityID: t.EntityID, Timestamp: now.UnixMilli()}
}

// Target returns the target carried by m.
func (m Message) Target() Target {
	return Target{Profile: m.ProfileType, EntityID: m.EntityID}
}

// EncodeMessage renders m as JSON.
func EncodeMessage(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding navigation message: %w", err)
	}
	return string(data), nil
}

// DecodeMessage parses a JSON message and validates the target it carries.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decoding navigation message: %w", err)
	}
	if err := m.Target().Validate(); err != nil {
		return Message{}, fmt.Errorf("decoding navigation message: %w", err)
	}
	return m, nil
}
