// Package session keeps the dashboard's view of the shared SSO session.
//
// A Machine is created once per application and handed to every consumer.
// It is the only writer of the session State; consumers read snapshots and
// ask for changes through CheckStatus, Login, Logout and Focus.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/watchtower/internal/fanout"
)

const (
	DefaultLoginGrace  = time.Second
	DefaultLogoutGrace = 3 * time.Second

	// DemoRole is the single role granted to demo users.
	DemoRole = "user"

	genericLoginError = "Login failed"
)

// User is the signed-in principal as reported by the backend.
type User struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	if c.Roles == nil {
		c.Roles = []string{}
	}
	return &c
}

// State is a snapshot of the session. Authenticated implies User is set.
type State struct {
	User          *User `json:"user"`
	Authenticated bool  `json:"authenticated"`
	Loading       bool  `json:"loading"`
}

func (s State) clone() State {
	s.User = s.User.clone()
	return s
}

// LoginResult reports the outcome of Login. Error is a message suitable for
// showing to the user.
type LoginResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Backend is the auth service the machine talks to.
type Backend interface {
	// Status returns the signed-in user. A nil user with a nil error means
	// the backend reports no session.
	Status(ctx context.Context) (*User, error)
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
}

// UserMessager is implemented by login errors that carry a message meant for
// the user.
type UserMessager interface {
	UserMessage() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithDemoMode makes the machine accept any credentials without calling the
// backend. Demo mode never authenticates on its own.
func WithDemoMode(on bool) Option {
	return func(m *Machine) { m.demo = on }
}

// WithClock sets the clock used to time the grace windows.
func WithClock(c clockwork.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLoginGrace sets how long status checks stay suppressed after a login.
func WithLoginGrace(d time.Duration) Option {
	return func(m *Machine) { m.loginGrace = d }
}

// WithLogoutGrace sets how long status checks stay suppressed after a logout.
func WithLogoutGrace(d time.Duration) Option {
	return func(m *Machine) { m.logoutGrace = d }
}

// WithLogger sets the machine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine is the auth session state machine.
type Machine struct {
	backend     Backend
	demo        bool
	clock       clockwork.Clock
	loginGrace  time.Duration
	logoutGrace time.Duration
	logger      *slog.Logger

	loginLease  *Lease
	logoutLease *Lease

	mu    sync.Mutex
	state State
	// gen is bumped by every operation that writes state from a backend
	// response; a response is applied only while its generation is current.
	gen uint64

	subs fanout.Set[State]
}

// New creates a Machine. Outside demo mode it starts Loading until the first
// forced CheckStatus completes.
func New(backend Backend, opts ...Option) *Machine {
	m := &Machine{
		backend:     backend,
		clock:       clockwork.NewRealClock(),
		loginGrace:  DefaultLoginGrace,
		logoutGrace: DefaultLogoutGrace,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loginLease = NewLease(m.clock)
	m.logoutLease = NewLease(m.clock)
	m.state.Loading = !m.demo
	return m
}

// DemoMode reports whether the machine runs in demo mode.
func (m *Machine) DemoMode() bool { return m.demo }

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Subscribe registers fn for every state change.
func (m *Machine) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.subs.Subscribe(fn)
}

// CheckStatus asks the backend for the current session. It returns at once,
// without checking, while a login or logout is in progress or inside its
// grace window. Loading is raised and lowered only when force is set.
func (m *Machine) CheckStatus(ctx context.Context, force bool) {
	if m.loginLease.Held() || m.logoutLease.Held() {
		m.logger.Debug("status check dropped", slog.Bool("force", force))
		return
	}
	if m.demo {
		m.mutate(func(s *State) { s.Loading = false })
		return
	}

	gen := m.begin(func(s *State) {
		if force {
			s.Loading = true
		}
	})

	user, err := m.backend.Status(ctx)
	if err != nil {
		m.logger.Warn("status check failed", slog.String("error", err.Error()))
	}

	m.commit(gen, func(s *State) {
		if err != nil || user == nil {
			s.User, s.Authenticated = nil, false
		} else {
			s.User, s.Authenticated = user.clone(), true
		}
	}, func(s *State) {
		if force {
			s.Loading = false
		}
	})
}

// Login signs in. Status checks are suppressed while it runs and for the
// login grace window afterwards.
func (m *Machine) Login(ctx context.Context, username, password string) LoginResult {
	hold := m.loginLease.Acquire()
	defer hold.Release(m.loginGrace)

	if m.demo {
		m.begin(func(s *State) {
			s.User = &User{Username: username, Roles: []string{DemoRole}}
			s.Authenticated, s.Loading = true, false
		})
		return LoginResult{Success: true}
	}

	gen := m.begin(nil)
	if err := m.backend.Login(ctx, username, password); err != nil {
		m.logger.Info("login rejected", slog.String("username", username), slog.String("error", err.Error()))
		return LoginResult{Error: loginMessage(err)}
	}

	user, err := m.backend.Status(ctx)
	if err != nil || user == nil {
		attrs := []any{slog.String("username", username)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		m.logger.Warn("fetching user after login failed", attrs...)
		user = &User{Username: username, Roles: []string{}}
	}

	m.commit(gen, func(s *State) {
		s.User, s.Authenticated, s.Loading = user.clone(), true, false
	}, nil)
	return LoginResult{Success: true}
}

func loginMessage(err error) string {
	var um UserMessager
	if errors.As(err, &um) && um.UserMessage() != "" {
		return um.UserMessage()
	}
	return genericLoginError
}

// Logout signs out. The local session is cleared before the backend is
// contacted, and status checks stay suppressed for the logout grace window
// after the backend call returns.
func (m *Machine) Logout(ctx context.Context) {
	hold := m.logoutLease.Acquire()
	defer hold.Release(m.logoutGrace)

	m.begin(func(s *State) {
		s.User, s.Authenticated, s.Loading = nil, false, false
	})
	if m.demo {
		return
	}
	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Warn("backend logout failed", slog.String("error", err.Error()))
	}
}

// Focus handles the window regaining focus.
func (m *Machine) Focus(ctx context.Context) {
	if m.logoutLease.Held() {
		return
	}
	m.CheckStatus(ctx, false)
}

// WatchFocus calls Focus for every value received on focus until the channel
// is closed or ctx is done.
func (m *Machine) WatchFocus(ctx context.Context, focus <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-focus:
			if !ok {
				return
			}
			m.Focus(ctx)
		}
	}
}

// begin starts a new generation, applies fn and returns the generation.
func (m *Machine) begin(fn func(*State)) uint64 {
	var gen uint64
	m.mutate(func(s *State) {
		m.gen++
		gen = m.gen
		if fn != nil {
			fn(s)
		}
	})
	return gen
}

// commit applies current only while gen is the latest generation. always is
// applied regardless.
func (m *Machine) commit(gen uint64, current, always func(*State)) {
	m.mutate(func(s *State) {
		if gen != m.gen {
			m.logger.Debug("discarding stale backend response", slog.Uint64("generation", gen))
		} else if current != nil {
			current(s)
		}
		if always != nil {
			always(s)
		}
	})
}

// mutate applies fn under the lock and publishes the result if it changed.
func (m *Machine) mutate(fn func(*State)) {
	m.mu.Lock()
	before := m.state.clone()
	fn(&m.state)
	changed := !equalState(before, m.state)
	snap := m.state.clone()
	m.mu.Unlock()
	if changed {
		m.subs.Publish(snap)
	}
}

func equalState(a, b State) bool {
	if a.Authenticated != b.Authenticated || a.Loading != b.Loading {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == nil && b.User == nil
	}
	return a.User.Username == b.User.Username &&
		a.User.Email == b.User.Email &&
		slices.Equal(a.User.Roles, b.User.Roles)
}
