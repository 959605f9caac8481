package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/watchtower/internal/util"
	"github.com/jmcleod/watchtower/storage"
)

const (
	accountNamespace  = "__accounts"
	accountRecordType = "ACCOUNT"
	accountAADPrefix  = "account:"
)

type accountRecord struct {
	Username  string            `json:"username"`
	Email     string            `json:"email"`
	Roles     []string          `json:"roles"`
	Password  util.PasswordHash `json:"password"`
	CreatedAt time.Time         `json:"created_at"`
}

func (rec *accountRecord) user() UserResponse {
	roles := rec.Roles
	if roles == nil {
		roles = []string{}
	}
	return UserResponse{Username: rec.Username, Email: rec.Email, Roles: roles}
}

// accountLookupID maps a username to its record ID. It is a SHA-256 of the
// normalized name, so record IDs and rate-limit keys never carry the name
// itself.
func accountLookupID(username string) string {
	sum := sha256.Sum256([]byte(util.NormalizeUsername(username)))
	return hex.EncodeToString(sum[:])
}

func (a *API) saveAccountRecord(record accountRecord) error {
	accountID := accountLookupID(record.Username)
	buf, err := a.accountKey.Open()
	if err != nil {
		return fmt.Errorf("opening account key: %w", err)
	}
	defer buf.Destroy()

	env, err := storage.SealJSON(buf.Bytes(), record, []byte(accountAADPrefix+accountID))
	if err != nil {
		return err
	}
	return a.repo.Put(accountNamespace, accountRecordType, accountID, env)
}

// createAccountRecord saves record unless the username is already taken.
func (a *API) createAccountRecord(record accountRecord) error {
	a.accountsMu.Lock()
	defer a.accountsMu.Unlock()

	_, err := a.loadAccountRecord(record.Username)
	switch {
	case err == nil:
		return errAccountExists
	case !errors.Is(err, errAccountNotFound):
		return err
	}
	return a.saveAccountRecord(record)
}

func (a *API) loadAccountRecord(username string) (*accountRecord, error) {
	accountID := accountLookupID(username)
	env, err := a.repo.Get(accountNamespace, accountRecordType, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
			return nil, errAccountNotFound
		}
		return nil, err
	}
	if env == nil {
		return nil, errAccountNotFound
	}
	if env.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported account record scheme: %s", env.Scheme)
	}

	buf, err := a.accountKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening account key: %w", err)
	}
	defer buf.Destroy()

	var record accountRecord
	if err := storage.OpenJSON(buf.Bytes(), env, []byte(accountAADPrefix+accountID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
