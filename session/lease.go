package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Lease is a guard that is held while any Hold is outstanding and for a
// grace period after the last one is released.
type Lease struct {
	clock clockwork.Clock

	mu     sync.Mutex
	active int
	until  time.Time
}

// NewLease returns an unheld lease that measures grace periods on c.
func NewLease(c clockwork.Clock) *Lease {
	return &Lease{clock: c}
}

// Hold is one acquisition of a Lease.
type Hold struct {
	lease *Lease
	once  sync.Once
}

// Acquire takes the lease until the returned Hold is released.
func (l *Lease) Acquire() *Hold {
	l.mu.Lock()
	l.active++
	l.mu.Unlock()
	return &Hold{lease: l}
}

// Release gives up the hold; the lease stays held for grace afterwards.
// Only the first call has any effect.
func (h *Hold) Release(grace time.Duration) {
	h.once.Do(func() {
		l := h.lease
		l.mu.Lock()
		defer l.mu.Unlock()
		l.active--
		if expiry := l.clock.Now().Add(grace); expiry.After(l.until) {
			l.until = expiry
		}
	})
}

// Held reports whether the lease is currently held.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active > 0 || l.clock.Now().Before(l.until)
}

// Expiry returns when the lease lapses, or the zero time while a hold is
// outstanding.
func (l *Lease) Expiry() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		return time.Time{}
	}
	return l.until
}
