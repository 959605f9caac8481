package navlink

import (
	"log/slog"
	"time"

	"github.com/jmcleod/watchtower/msgbus"
	"github.com/jmcleod/watchtower/storage"
)

const (
	// MessageType tags navigation messages on the message bus.
	MessageType = "watchtower:navigate"
	// PendingKey is the shared storage key written to hand a target to
	// another context.
	PendingKey = "watchtower.nav.pending"
)

// ListenOption configures a listener subscription.
type ListenOption func(*listenConfig)

type listenConfig struct {
	logger *slog.Logger
}

// ListenLogger sets the logger that records ignored payloads.
func ListenLogger(logger *slog.Logger) ListenOption {
	return func(c *listenConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newListenConfig(opts []ListenOption) listenConfig {
	c := listenConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// SubscribePostMessage calls fn for every navigation message posted on bus.
// Messages of other types, or whose payload does not carry a valid target,
// are ignored.
func SubscribePostMessage(bus *msgbus.Bus, fn func(Target), opts ...ListenOption) (unsubscribe func()) {
	cfg := newListenConfig(opts)
	return bus.Subscribe(func(msg msgbus.Message) {
		if msg.Type != MessageType {
			return
		}
		m, err := DecodeMessage(msg.Data)
		if err != nil {
			cfg.logger.Debug("ignoring navigation message",
				slog.String("origin", msg.Origin), slog.String("error", err.Error()))
			return
		}
		fn(m.Target())
	})
}

// SubscribeCrossTab calls fn whenever another context writes a valid target
// under PendingKey.
func SubscribeCrossTab(w storage.Watcher, fn func(Target), opts ...ListenOption) (unsubscribe func()) {
	cfg := newListenConfig(opts)
	return w.Subscribe(func(ev storage.Event) {
		if ev.Key != PendingKey || ev.Deleted || ev.NewValue == "" {
			return
		}
		m, err := DecodeMessage([]byte(ev.NewValue))
		if err != nil {
			cfg.logger.Debug("ignoring cross-tab navigation",
				slog.String("source", ev.Source), slog.String("error", err.Error()))
			return
		}
		fn(m.Target())
	})
}

// Post sends t to the listeners on bus.
func Post(bus *msgbus.Bus, origin string, t Target, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return bus.PostJSON(origin, MessageType, NewMessage(t, now))
}

// PublishCrossTab writes t under PendingKey so other contexts observe it.
func PublishCrossTab(s storage.Store, t Target, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := EncodeMessage(NewMessage(t, now))
	if err != nil {
		return err
	}
	return s.Set(PendingKey, raw)
}
