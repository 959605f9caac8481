package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveSubkey derives an independent 32-byte key for label from a master
// secret, so one operator-supplied secret can back several keys.
func DeriveSubkey(master []byte, label string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	return HKDF(master, nil, []byte("watchtower:"+label))
}
