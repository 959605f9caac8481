package storage

// Store is a string key/value store scoped to one browsing context, the
// analogue of a tab's session storage.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Event describes a change to a shared area made by some context.
type Event struct {
	Key      string
	OldValue string
	NewValue string
	// Deleted is set when the key was removed rather than written.
	Deleted bool
	// Source identifies the context that made the change.
	Source string
}

// Watcher delivers change events written by other contexts.
type Watcher interface {
	// Subscribe registers fn for change events and returns a function that
	// unregisters it. fn is never invoked after the returned function returns.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Context is one browsing context's view of a shared area: it reads and
// writes the shared keys and observes writes made by every other context.
type Context interface {
	Store
	Watcher
	ID() string
}

// Area is key/value storage shared by several contexts, the analogue of an
// origin's local storage.
type Area interface {
	// Context returns the view for the named context, creating it if needed.
	Context(id string) Context
}
