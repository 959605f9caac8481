package navlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/watchtower/internal/fanout"
	"github.com/jmcleod/watchtower/msgbus"
	"github.com/jmcleod/watchtower/storage"
)

// Kind classifies an inbox by how its content arrives and how long it lives.
type Kind int

const (
	// KindFragment content arrives with the URL and is read once.
	KindFragment Kind = iota
	// KindStore content is persisted in session storage until cleared.
	KindStore
	// KindLive content is pushed while the view is attached.
	KindLive
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindStore:
		return "store"
	case KindLive:
		return "live"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Inbox holds pending entity ids per profile type. Malformed content is
// reported as absent, never as an error.
type Inbox interface {
	Kind() Kind
	// Take returns the pending id for profile and removes it.
	Take(profile ProfileType) (string, bool)
	// Peek returns the pending id for profile without removing it.
	Peek(profile ProfileType) (string, bool)
	// Clear removes any pending id for profile.
	Clear(profile ProfileType) error
}

// Pusher is implemented by inboxes that receive ids after attachment.
type Pusher interface {
	// Watch calls fn for every id pushed for profile until stop is called.
	Watch(profile ProfileType, fn func(entityID string)) (stop func())
}

// ---------------------------------------------------------------------------
// Fragment inbox
// ---------------------------------------------------------------------------

// HashInbox reads targets from the URL fragment.
type HashInbox struct {
	loc    Location
	logger *slog.Logger
}

var _ Inbox = (*HashInbox)(nil)

// NewHashInbox returns an inbox over loc.
func NewHashInbox(loc Location, logger *slog.Logger) *HashInbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &HashInbox{loc: loc, logger: logger}
}

func (h *HashInbox) Kind() Kind { return KindFragment }

// match returns the id in the fragment when it is addressed to profile.
func (h *HashInbox) match(profile ProfileType) (string, bool) {
	hash := h.loc.Hash()
	if hash == "" {
		return "", false
	}
	t, ok := ParseHash(hash)
	if !ok {
		h.logger.Debug("ignoring fragment without a navigation target", slog.String("hash", hash))
		return "", false
	}
	if t.Profile != "" && t.Profile != profile {
		return "", false
	}
	return t.EntityID, true
}

// Take returns the id and clears the fragment, so a second call (or a second
// view mounted later) does not receive it again. A fragment addressed to a
// different profile is left in place.
func (h *HashInbox) Take(profile ProfileType) (string, bool) {
	id, ok := h.match(profile)
	if ok {
		h.loc.SetHash("")
	}
	return id, ok
}

func (h *HashInbox) Peek(profile ProfileType) (string, bool) {
	return h.match(profile)
}

func (h *HashInbox) Clear(profile ProfileType) error {
	if _, ok := h.match(profile); ok {
		h.loc.SetHash("")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session-store inbox
// ---------------------------------------------------------------------------

// StorageKeyPrefix prefixes the per-profile session storage keys.
const StorageKeyPrefix = "watchtower.nav."

// StorageKey returns the session storage key for profile.
func StorageKey(profile ProfileType) string {
	return StorageKeyPrefix + string(profile)
}

// StoreInbox keeps one pending target per profile in a session-scoped store.
type StoreInbox struct {
	store  storage.Store
	logger *slog.Logger
}

var _ Inbox = (*StoreInbox)(nil)

// NewStoreInbox returns an inbox over store.
func NewStoreInbox(store storage.Store, logger *slog.Logger) *StoreInbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreInbox{store: store, logger: logger}
}

func (s *StoreInbox) Kind() Kind { return KindStore }

// read returns the stored id for profile. present reports whether any value,
// valid or not, was stored.
func (s *StoreInbox) read(profile ProfileType) (id string, ok, present bool) {
	raw, err := s.store.Get(StorageKey(profile))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("reading pending navigation failed",
				slog.String("profile", string(profile)), slog.String("error", err.Error()))
		}
		return "", false, false
	}
	m, err := DecodeMessage([]byte(raw))
	if err != nil {
		s.logger.Debug("ignoring malformed pending navigation",
			slog.String("profile", string(profile)), slog.String("error", err.Error()))
		return "", false, true
	}
	if m.ProfileType != profile {
		s.logger.Debug("ignoring pending navigation for another profile",
			slog.String("profile", string(profile)), slog.String("stored", string(m.ProfileType)))
		return "", false, true
	}
	return m.EntityID, true, true
}

// Take returns the stored id and deletes the entry. A present but malformed
// entry is deleted as well; an absent entry leaves the store untouched.
func (s *StoreInbox) Take(profile ProfileType) (string, bool) {
	id, ok, present := s.read(profile)
	if present {
		if err := s.store.Delete(StorageKey(profile)); err != nil {
			s.logger.Debug("clearing pending navigation failed",
				slog.String("profile", string(profile)), slog.String("error", err.Error()))
		}
	}
	return id, ok
}

// Peek never mutates the store.
func (s *StoreInbox) Peek(profile ProfileType) (string, bool) {
	id, ok, _ := s.read(profile)
	return id, ok
}

// Put records t as pending for its profile, stamped with now.
func (s *StoreInbox) Put(t Target, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := EncodeMessage(NewMessage(t, now))
	if err != nil {
		return err
	}
	return s.store.Set(StorageKey(t.Profile), raw)
}

func (s *StoreInbox) Clear(profile ProfileType) error {
	return s.store.Delete(StorageKey(profile))
}

// ---------------------------------------------------------------------------
// Live inbox
// ---------------------------------------------------------------------------

// LiveInbox collects targets pushed over the message bus and cross-tab
// storage changes. It buffers the most recent id per profile and notifies
// watchers as pushes arrive.
type LiveInbox struct {
	mu      sync.Mutex
	latest  map[ProfileType]string
	arrived fanout.Set[Target]
	stops   []func()
}

var (
	_ Inbox  = (*LiveInbox)(nil)
	_ Pusher = (*LiveInbox)(nil)
)

// NewLiveInbox subscribes to bus and watcher; either may be nil.
func NewLiveInbox(bus *msgbus.Bus, watcher storage.Watcher, logger *slog.Logger) *LiveInbox {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LiveInbox{latest: make(map[ProfileType]string)}
	if bus != nil {
		l.stops = append(l.stops, SubscribePostMessage(bus, l.deliver, ListenLogger(logger)))
	}
	if watcher != nil {
		l.stops = append(l.stops, SubscribeCrossTab(watcher, l.deliver, ListenLogger(logger)))
	}
	return l
}

func (l *LiveInbox) deliver(t Target) {
	l.mu.Lock()
	l.latest[t.Profile] = t.EntityID
	l.mu.Unlock()
	l.arrived.Publish(t)
}

func (l *LiveInbox) Kind() Kind { return KindLive }

func (l *LiveInbox) Take(profile ProfileType) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.latest[profile]
	delete(l.latest, profile)
	return id, ok
}

func (l *LiveInbox) Peek(profile ProfileType) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.latest[profile]
	return id, ok
}

func (l *LiveInbox) Clear(profile ProfileType) error {
	l.mu.Lock()
	delete(l.latest, profile)
	l.mu.Unlock()
	return nil
}

func (l *LiveInbox) Watch(profile ProfileType, fn func(string)) func() {
	return l.arrived.Subscribe(func(t Target) {
		if t.Profile == profile {
			fn(t.EntityID)
		}
	})
}

// Close detaches the inbox from its channels.
func (l *LiveInbox) Close() {
	l.mu.Lock()
	stops := l.stops
	l.stops = nil
	l.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
