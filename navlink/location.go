package navlink

import "sync"

// Location is the URL fragment of the current document.
type Location interface {
	Hash() string
	// SetHash replaces the fragment; an empty string removes it.
	SetHash(hash string)
}

// MemoryLocation is a Location held in memory.
type MemoryLocation struct {
	mu   sync.Mutex
	hash string
}

var _ Location = (*MemoryLocation)(nil)

// NewMemoryLocation returns a Location holding hash.
func NewMemoryLocation(hash string) *MemoryLocation {
	return &MemoryLocation{hash: hash}
}

func (l *MemoryLocation) Hash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hash
}

func (l *MemoryLocation) SetHash(hash string) {
	l.mu.Lock()
	l.hash = hash
	l.mu.Unlock()
}
