package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/watchtower/internal/util"
	"github.com/jmcleod/watchtower/storage"
)

const (
	sessionNamespace      = "__sessions"
	sessionRecordType     = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionAADPrefix      = "session:"
	sessionKeyWrappingAAD = "watchtower:session_master_key:v1"
	cleanupInterval       = 5 * time.Minute
)

// PersistentSessionStore stores sessions in a storage.Repository, encrypted
// at rest using AES-256-GCM. Sessions survive server restarts.
//
// The session encryption key is itself sealed with an externally-provided
// wrapping key before being stored, so a repository compromise alone cannot
// recover session data. In memory the key lives in a memguard enclave.
type PersistentSessionStore struct {
	repo        storage.Repository
	key         *memguard.Enclave
	idleTimeout time.Duration
	logger      *slog.Logger
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by the given
// repository. The wrappingKey (32 bytes) seals the session encryption key at
// rest and is never stored in the repository.
// idleTimeout of 0 disables idle timeout checking.
func NewPersistentSessionStore(repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte) (*PersistentSessionStore, error) {
	if len(wrappingKey) != 32 {
		return nil, fmt.Errorf("wrapping key must be exactly 32 bytes, got %d", len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentSessionStore{
		repo:        repo,
		key:         memguard.NewEnclave(key),
		idleTimeout: idleTimeout,
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background cleanup goroutine.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *PersistentSessionStore) open(token string) (AuthSession, error) {
	env, err := s.repo.Get(sessionNamespace, sessionRecordType, token)
	if err != nil {
		return AuthSession{}, err
	}
	buf, err := s.key.Open()
	if err != nil {
		return AuthSession{}, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()

	data, err := storage.OpenRecord(buf.Bytes(), env, []byte(sessionAADPrefix+token))
	if err != nil {
		return AuthSession{}, err
	}
	defer util.WipeBytes(data)
	var session AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return AuthSession{}, err
	}
	return session, nil
}

func (s *PersistentSessionStore) Get(token string) (AuthSession, bool) {
	session, err := s.open(token)
	if err != nil {
		return AuthSession{}, false
	}
	if session.expired(time.Now(), s.idleTimeout) {
		s.Delete(token)
		return AuthSession{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) Put(token string, session AuthSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	defer util.WipeBytes(data)

	buf, err := s.key.Open()
	if err != nil {
		s.logger.Error("opening session key", slog.String("error", err.Error()))
		return
	}
	defer buf.Destroy()

	env, err := storage.SealRecord(buf.Bytes(), data, []byte(sessionAADPrefix+token))
	if err != nil {
		return
	}
	if err := s.repo.Put(sessionNamespace, sessionRecordType, token, env); err != nil {
		s.logger.Error("persisting session", slog.String("error", err.Error()))
	}
}

func (s *PersistentSessionStore) Delete(token string) {
	_ = s.repo.Delete(sessionNamespace, sessionRecordType, token)
}

// cleanupLoop periodically removes expired sessions from storage.
func (s *PersistentSessionStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired deletes expired, idle and unreadable sessions and returns how
// many it removed.
func (s *PersistentSessionStore) sweepExpired() int {
	tokens, err := s.repo.List(sessionNamespace, sessionRecordType)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, token := range tokens {
		session, err := s.open(token)
		if err == nil && !session.expired(now, s.idleTimeout) {
			continue
		}
		// Corrupt, expired or idle.
		_ = s.repo.Delete(sessionNamespace, sessionRecordType, token)
		removed++
	}
	return removed
}

// loadOrCreateSessionKey loads the session encryption key from storage,
// unsealing it with the wrapping key. If no key exists, or the wrapping key
// has changed, a new 32-byte random key is generated, sealed and persisted.
// Sessions sealed under a previous key become unreadable.
func loadOrCreateSessionKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	env, err := repo.Get(sessionNamespace, sessionKeyType, sessionKeyID)
	if err == nil && env != nil {
		key, err := storage.OpenRecord(wrappingKey, env, aad)
		if err == nil && len(key) == 32 {
			return key, nil
		}
		// Wrong wrapping key or corrupt; fall through to regenerate.
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrNamespaceNotFound) {
		return nil, err
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(sessionNamespace, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
