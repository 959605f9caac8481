package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const passwordSaltLen = 16

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        2,
		MemoryKiB:   19 * 1024,
		Parallelism: 1,
		KeyLen:      32,
	}
}

// PasswordHash is the persisted form of an account password.
type PasswordHash struct {
	Params Argon2idParams `json:"params"`
	Salt   []byte         `json:"salt"`
	Key    []byte         `json:"key"`
}

func DeriveArgon2idKey(password string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2id parameters must be non-zero")
	}
	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

// HashPassword normalizes password and derives a salted argon2id hash.
func HashPassword(password string, params Argon2idParams) (PasswordHash, error) {
	salt, err := RandomBytes(passwordSaltLen)
	if err != nil {
		return PasswordHash{}, err
	}
	key, err := DeriveArgon2idKey(NormalizePassword(password), salt, params)
	if err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{Params: params, Salt: salt, Key: key}, nil
}

// Verify reports whether password matches the hash in constant time.
func (h PasswordHash) Verify(password string) bool {
	key, err := DeriveArgon2idKey(NormalizePassword(password), h.Salt, h.Params)
	if err != nil {
		return false
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, h.Key) == 1
}
