// Package storagetest holds conformance suites shared by every storage
// backend.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/watchtower/storage"
)

func testEnvelope(payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(payload),
	}
}

// RunRepository exercises a storage.Repository implementation.
func RunRepository(t *testing.T, repo storage.Repository) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put("ns", "ACCOUNT", "a1", testEnvelope("one")))
		got, err := repo.Get("ns", "ACCOUNT", "a1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Put("ns", "ACCOUNT", "a2", testEnvelope("v1")))
		require.NoError(t, repo.Put("ns", "ACCOUNT", "a2", testEnvelope("v2")))
		got, err := repo.Get("ns", "ACCOUNT", "a2")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Ciphertext)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get("ns", "ACCOUNT", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		_, err = repo.Get("no-such-namespace", "ACCOUNT", "a1")
		assert.True(t, errors.Is(err, storage.ErrNamespaceNotFound), "got %v", err)
	})

	t.Run("ListByType", func(t *testing.T) {
		require.NoError(t, repo.Put("list", "SESSION", "s1", testEnvelope("x")))
		require.NoError(t, repo.Put("list", "SESSION", "s2", testEnvelope("x")))
		require.NoError(t, repo.Put("list", "ACCOUNT", "a1", testEnvelope("x")))

		ids, err := repo.List("list", "SESSION")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"s1", "s2"}, ids)

		ids, err = repo.List("never-written", "SESSION")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put("del", "SESSION", "s1", testEnvelope("x")))
		require.NoError(t, repo.Delete("del", "SESSION", "s1"))
		_, err := repo.Get("del", "SESSION", "s1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

		err = repo.Delete("del", "SESSION", "s1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})
}

// RunStore exercises a storage.Store implementation.
func RunStore(t *testing.T, s storage.Store) {
	t.Helper()

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, s.Set("k", "v"))
		got, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get("missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		require.NoError(t, s.Set("gone", "v"))
		require.NoError(t, s.Delete("gone"))
		require.NoError(t, s.Delete("gone"))
		_, err := s.Get("gone")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})
}

// RunArea exercises a storage.Area implementation.
func RunArea(t *testing.T, area storage.Area) {
	t.Helper()

	t.Run("ContextIsAStore", func(t *testing.T) {
		RunStore(t, area.Context("store-suite"))
	})

	t.Run("SharedKeySpace", func(t *testing.T) {
		a := area.Context("tab-a")
		b := area.Context("tab-b")
		require.NoError(t, a.Set("shared", "from-a"))
		got, err := b.Get("shared")
		require.NoError(t, err)
		assert.Equal(t, "from-a", got)
		assert.Equal(t, "tab-a", a.ID())
	})

	t.Run("EventsSkipTheWriter", func(t *testing.T) {
		a := area.Context("writer")
		b := area.Context("reader")

		var seenByA, seenByB []storage.Event
		unsubA := a.Subscribe(func(ev storage.Event) { seenByA = append(seenByA, ev) })
		unsubB := b.Subscribe(func(ev storage.Event) { seenByB = append(seenByB, ev) })
		defer unsubA()
		defer unsubB()

		require.NoError(t, a.Set("evt", "1"))
		require.NoError(t, a.Set("evt", "2"))
		require.NoError(t, a.Delete("evt"))

		assert.Empty(t, seenByA)
		require.Len(t, seenByB, 3)
		assert.Equal(t, storage.Event{Key: "evt", NewValue: "1", Source: "writer"}, seenByB[0])
		assert.Equal(t, "1", seenByB[1].OldValue)
		assert.Equal(t, "2", seenByB[1].NewValue)
		assert.True(t, seenByB[2].Deleted)
		assert.Equal(t, "2", seenByB[2].OldValue)
	})

	t.Run("NoEventsAfterUnsubscribe", func(t *testing.T) {
		a := area.Context("w2")
		b := area.Context("r2")
		calls := 0
		unsub := b.Subscribe(func(storage.Event) { calls++ })
		require.NoError(t, a.Set("x", "1"))
		unsub()
		require.NoError(t, a.Set("x", "2"))
		assert.Equal(t, 1, calls)
	})

	t.Run("DeleteMissingIsSilent", func(t *testing.T) {
		a := area.Context("w3")
		b := area.Context("r3")
		calls := 0
		unsub := b.Subscribe(func(storage.Event) { calls++ })
		defer unsub()
		require.NoError(t, a.Delete("never-set"))
		assert.Zero(t, calls)
	})
}
