package bbolt

import (
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/watchtower/internal/fanout"
	"github.com/jmcleod/watchtower/storage"
)

const defaultAreaBucket = "__area"

// Area is a storage.Area persisted in a BBolt bucket. Values survive restarts;
// change events are delivered to the other contexts opened on this Area.
type Area struct {
	db     *bbolt.DB
	bucket []byte

	mu       sync.Mutex
	contexts map[string]*areaContext
}

var _ storage.Area = (*Area)(nil)

type areaContext struct {
	area *Area
	id   string
	subs fanout.Set[storage.Event]
}

var _ storage.Context = (*areaContext)(nil)

// NewArea returns an Area stored in bucket (a default bucket when empty).
func NewArea(db *bbolt.DB, bucket string) (*Area, error) {
	if bucket == "" {
		bucket = defaultAreaBucket
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating area bucket: %w", err)
	}
	return &Area{db: db, bucket: []byte(bucket), contexts: make(map[string]*areaContext)}, nil
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
	var value string
	err := c.area.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(c.area.bucket).Get([]byte(key))
		if data == nil {
			return storage.ErrNotFound
		}
		value = string(data)
		return nil
	})
	return value, err
}

// swap writes (or deletes, when value is nil) key and returns the previous
// value inside one transaction.
func (c *areaContext) swap(key string, value *string) (old string, existed bool, err error) {
	err = c.area.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.area.bucket)
		if prev := b.Get([]byte(key)); prev != nil {
			old, existed = string(prev), true
		}
		if value == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), []byte(*value))
	})
	return old, existed, err
}

func (c *areaContext) Set(key, value string) error {
	old, _, err := c.swap(key, &value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	c.area.notify(storage.Event{Key: key, OldValue: old, NewValue: value, Source: c.id})
	return nil
}

func (c *areaContext) Delete(key string) error {
	old, existed, err := c.swap(key, nil)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if existed {
		c.area.notify(storage.Event{Key: key, OldValue: old, Deleted: true, Source: c.id})
	}
	return nil
}

func (c *areaContext) Subscribe(fn func(storage.Event)) func() {
	return c.subs.Subscribe(fn)
}
