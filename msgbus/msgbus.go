// Package msgbus is an in-process message channel modelled on
// window.postMessage: senders post typed messages tagged with their origin,
// and listeners receive every message posted after they subscribe.
package msgbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jmcleod/watchtower/internal/fanout"
)

// ErrOriginNotAllowed is returned by Post when the sender's origin is not on
// the bus allow-list.
var ErrOriginNotAllowed = errors.New("origin not allowed")

// Message is one posted message.
type Message struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Bus delivers posted messages to its listeners. The zero value accepts
// messages from any origin.
type Bus struct {
	allowed   []string
	listeners fanout.Set[Message]
}

// Option configures a Bus.
type Option func(*Bus)

// WithAllowedOrigins restricts Post to the given origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Bus) {
		b.allowed = append(b.allowed, origins...)
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Post delivers msg synchronously to the current listeners.
func (b *Bus) Post(msg Message) error {
	if len(b.allowed) > 0 && !slices.Contains(b.allowed, msg.Origin) {
		return fmt.Errorf("%s: %w", msg.Origin, ErrOriginNotAllowed)
	}
	b.listeners.Publish(msg)
	return nil
}

// PostJSON marshals data and posts it under msgType.
func (b *Bus) PostJSON(origin, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", msgType, err)
	}
	return b.Post(Message{Type: msgType, Origin: origin, Data: raw})
}

// Subscribe registers fn for every subsequent message and returns a function
// that removes it. fn is not called for messages posted after the returned
// function has returned.
func (b *Bus) Subscribe(fn func(Message)) (unsubscribe func()) {
	return b.listeners.Subscribe(fn)
}

// Listeners reports the number of registered listeners.
func (b *Bus) Listeners() int {
	return b.listeners.Len()
}
