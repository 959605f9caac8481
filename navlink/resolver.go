package navlink

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmcleod/watchtower/internal/fanout"
	"github.com/jmcleod/watchtower/msgbus"
	"github.com/jmcleod/watchtower/storage"
)

// State is the resolution state of a Resolver.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateEmpty
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateEmpty:
		return "empty"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the observable state of a Resolver.
type Snapshot struct {
	State      State
	ExternalID string
}

// Resolver finds the pending external target for one profile view.
type Resolver struct {
	profile   ProfileType
	inboxes   []Inbox
	autoClear bool
	logger    *slog.Logger

	liveBus     *msgbus.Bus
	liveWatcher storage.Watcher
	live        *LiveInbox

	attach sync.Once

	mu       sync.Mutex
	snap     Snapshot
	stops    []func()
	detached bool
	// pushes counts live deliveries so attachment can tell whether one
	// arrived while it was polling.
	pushes int

	changes fanout.Set[Snapshot]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAutoClear makes attachment and Refresh remove the stored entry they
// consume, so the next view to mount does not see it.
func WithAutoClear(on bool) Option {
	return func(r *Resolver) { r.autoClear = on }
}

// WithLive subscribes the resolver to navigation pushes on bus and cross-tab
// writes seen by watcher. Either may be nil.
func WithLive(bus *msgbus.Bus, watcher storage.Watcher) Option {
	return func(r *Resolver) {
		r.liveBus = bus
		r.liveWatcher = watcher
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver returns an idle resolver for profile. Inboxes are consulted in
// kind order: fragment, then store, then live.
func NewResolver(profile ProfileType, inboxes []Inbox, opts ...Option) *Resolver {
	r := &Resolver{
		profile: profile,
		inboxes: slices.Clone(inboxes),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.liveBus != nil || r.liveWatcher != nil {
		r.live = NewLiveInbox(r.liveBus, r.liveWatcher, r.logger)
		r.inboxes = append(r.inboxes, r.live)
	}
	slices.SortStableFunc(r.inboxes, func(a, b Inbox) int {
		return cmp.Compare(a.Kind(), b.Kind())
	})
	return r
}

// Profile returns the profile type the resolver serves.
func (r *Resolver) Profile() ProfileType { return r.profile }

// Attach resolves the pending target and starts listening for live pushes.
// Only the first call has any effect. Watches are registered before the
// inboxes are polled, and a push that lands while polling wins over the
// polled result.
func (r *Resolver) Attach() {
	r.attach.Do(func() {
		r.set(Snapshot{State: StateResolving})

		r.mu.Lock()
		seen := r.pushes
		r.mu.Unlock()

		var stops []func()
		for _, in := range r.inboxes {
			if p, ok := in.(Pusher); ok {
				stops = append(stops, p.Watch(r.profile, r.resolveLive))
			}
		}
		r.mu.Lock()
		if r.detached {
			r.mu.Unlock()
			for _, stop := range stops {
				stop()
			}
		} else {
			r.stops = stops
			r.mu.Unlock()
		}

		snap := Snapshot{State: StateEmpty}
		for _, in := range r.inboxes {
			if id, ok := r.poll(in); ok {
				snap = Snapshot{State: StateResolved, ExternalID: id}
				break
			}
		}

		r.mu.Lock()
		if r.pushes != seen {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.set(snap)
	})
}

// poll reads in once during attachment. Fragment and live content is always
// consumed; stored content only with auto-clear.
func (r *Resolver) poll(in Inbox) (string, bool) {
	if in.Kind() == KindStore && !r.autoClear {
		return in.Peek(r.profile)
	}
	return in.Take(r.profile)
}

func (r *Resolver) resolveLive(id string) {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	r.pushes++
	r.mu.Unlock()
	if r.live != nil {
		// The push is handled here; drop the buffered copy.
		_ = r.live.Clear(r.profile)
	}
	r.logger.Debug("live navigation received",
		slog.String("profile", string(r.profile)), slog.String("entity_id", id))
	r.set(Snapshot{State: StateResolved, ExternalID: id})
}

// Clear forgets the resolved id and removes any persisted entry for the
// profile. Storage failures are logged and otherwise ignored.
func (r *Resolver) Clear() {
	for _, in := range r.inboxes {
		if in.Kind() == KindFragment {
			continue
		}
		if err := in.Clear(r.profile); err != nil {
			r.logger.Debug("clearing pending navigation failed",
				slog.String("profile", string(r.profile)),
				slog.String("inbox", in.Kind().String()),
				slog.String("error", err.Error()))
		}
	}
	r.set(Snapshot{State: StateIdle})
}

// Refresh looks at session storage again. When nothing is stored the
// resolver keeps the id it already holds.
func (r *Resolver) Refresh() {
	prev := r.Snapshot()
	r.set(Snapshot{State: StateResolving, ExternalID: prev.ExternalID})

	for _, in := range r.inboxes {
		if in.Kind() != KindStore {
			continue
		}
		id, ok := in.Peek(r.profile)
		if !ok {
			continue
		}
		if r.autoClear {
			if err := in.Clear(r.profile); err != nil {
				r.logger.Debug("clearing pending navigation failed",
					slog.String("profile", string(r.profile)), slog.String("error", err.Error()))
			}
		}
		r.set(Snapshot{State: StateResolved, ExternalID: id})
		return
	}

	if prev.ExternalID != "" {
		r.set(Snapshot{State: StateResolved, ExternalID: prev.ExternalID})
		return
	}
	r.set(Snapshot{State: StateEmpty})
}

// Detach stops live listening. No change is published for pushes that
// arrive after Detach returns.
func (r *Resolver) Detach() {
	r.mu.Lock()
	r.detached = true
	stops := r.stops
	r.stops = nil
	r.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	if r.live != nil {
		r.live.Close()
	}
}

// ExternalID returns the resolved entity id.
func (r *Resolver) ExternalID() (string, bool) {
	s := r.Snapshot()
	return s.ExternalID, s.ExternalID != ""
}

// State returns the current resolution state.
func (r *Resolver) State() State {
	return r.Snapshot().State
}

// Snapshot returns the current state and id together.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// OnChange registers fn for every state change.
func (r *Resolver) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	return r.changes.Subscribe(fn)
}

func (r *Resolver) set(s Snapshot) {
	r.mu.Lock()
	if r.snap == s {
		r.mu.Unlock()
		return
	}
	r.snap = s
	r.mu.Unlock()
	r.changes.Publish(s)
}
