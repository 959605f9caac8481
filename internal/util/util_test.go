package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}
		if len(cipherText) < GCMNonceSize {
			t.Fatalf("ciphertext shorter than nonce")
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestPasswordHash(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}

	h, err := HashPassword("correct horse battery staple", params)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if len(h.Key) != 32 || len(h.Salt) != passwordSaltLen {
		t.Fatalf("unexpected hash shape: key=%d salt=%d", len(h.Key), len(h.Salt))
	}
	if !h.Verify("correct horse battery staple") {
		t.Error("expected password to verify")
	}
	if h.Verify("wrong password") {
		t.Error("expected wrong password to be rejected")
	}

	t.Run("NormalizedEquivalents", func(t *testing.T) {
		// U+FF21 FULLWIDTH LATIN CAPITAL LETTER A folds to "A" under NFKC.
		h, err := HashPassword("Ａbc-12345", params)
		if err != nil {
			t.Fatalf("HashPassword failed: %v", err)
		}
		if !h.Verify("Abc-12345") {
			t.Error("expected NFKC-equivalent password to verify")
		}
	})

	t.Run("RejectsBadParams", func(t *testing.T) {
		_, err := DeriveArgon2idKey("pw", []byte("salt"), Argon2idParams{KeyLen: 16})
		if err == nil {
			t.Error("expected error for bad key length")
		}
	})
}

func TestDeriveSubkey(t *testing.T) {
	master := []byte("operator supplied secret")

	a, err := DeriveSubkey(master, "jwt")
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	b, _ := DeriveSubkey(master, "sessions")
	again, _ := DeriveSubkey(master, "jwt")

	if len(a) != HKDFKeyLength {
		t.Errorf("expected %d bytes, got %d", HKDFKeyLength, len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("different labels must yield different keys")
	}
	if !bytes.Equal(a, again) {
		t.Error("derivation must be deterministic")
	}

	if _, err := DeriveSubkey(nil, "jwt"); err == nil {
		t.Error("expected error for empty master secret")
	}
}

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"Analyst":        "analyst",
		"  analyst  ":    "analyst",
		"\uff41nalyst":   "analyst",
		"STRASSE":        "strasse",
		"ops.team@field": "ops.team@field",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	WipeBytes(src)
	for _, b := range src {
		if b != 0 {
			t.Fatalf("expected wiped bytes, got %v", src)
		}
	}
}

func TestRandom(t *testing.T) {
	b, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b) != 16 {
		t.Errorf("expected 16 bytes, got %d", len(b))
	}

	tok1, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	tok2, _ := RandomToken(16)
	if len(tok1) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(tok1))
	}
	if tok1 == tok2 {
		t.Error("tokens should be unique")
	}
}
