// Package crypto seals instance API keys at rest. Keys are encrypted with
// AES-256-GCM under a key derived from the configured master secret; a
// ciphertext that cannot be opened marks the owning instance as locked.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength  = 32
	iterations = 65536
)

// masterSalt is fixed: the master secret itself is the confidential input.
var masterSalt = []byte("n8nadmin.master-key.v1")

var ErrDecrypt = errors.New("cannot decrypt value")

type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the AEAD from the master secret. Fails only on an empty
// secret; key derivation itself cannot fail.
func NewSealer(masterSecret string) (*Sealer, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}

	key := pbkdf2.Key([]byte(masterSecret), masterSalt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 string with the nonce
// prepended.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Returns ErrDecrypt for anything
// that does not authenticate, including values sealed under a different
// master secret.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
