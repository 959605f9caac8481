package memory

import (
	"sync"

	"github.com/jmcleod/watchtower/internal/fanout"
	"github.com/jmcleod/watchtower/storage"
)

// Area is an in-memory storage.Area. All contexts share one key space;
// a write made through one context is announced to every other context.
type Area struct {
	mu       sync.Mutex
	data     map[string]string
	contexts map[string]*areaContext
}

var _ storage.Area = (*Area)(nil)

type areaContext struct {
	area *Area
	id   string
	subs fanout.Set[storage.Event]
}

var _ storage.Context = (*areaContext)(nil)

// NewArea returns an empty shared area.
func NewArea() *Area {
	return &Area{
		data:     make(map[string]string),
		contexts: make(map[string]*areaContext),
	}
}

func (a *Area) Context(id string) storage.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contexts[id]
	if !ok {
		c = &areaContext{area: a, id: id}
		a.contexts[id] = c
	}
	return c
}

// notify delivers ev to every context except the one that made the change.
func (a *Area) notify(ev storage.Event) {
	a.mu.Lock()
	targets := make([]*areaContext, 0, len(a.contexts))
	for id, c := range a.contexts {
		if id != ev.Source {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()
	for _, c := range targets {
		c.subs.Publish(ev)
	}
}

func (c *areaContext) ID() string { return c.id }

func (c *areaContext) Get(key string) (string, error) {
	c.area.mu.Lock()
	defer c.area.mu.Unlock()
	v, ok := c.area.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (c *areaContext) Set(key, value string) error {
	c.area.mu.Lock()
	old := c.area.data[key]
	c.area.data[key] = value
	c.area.mu.Unlock()

	c.area.notify(storage.Event{Key: key, OldValue: old, NewValue: value, Source: c.id})
	return nil
}

func (c *areaContext) Delete(key string) error {
	c.area.mu.Lock()
	old, ok := c.area.data[key]
	delete(c.area.data, key)
	c.area.mu.Unlock()

	if ok {
		c.area.notify(storage.Event{Key: key, OldValue: old, Deleted: true, Source: c.id})
	}
	return nil
}

func (c *areaContext) Subscribe(fn func(storage.Event)) func() {
	return c.subs.Subscribe(fn)
}
