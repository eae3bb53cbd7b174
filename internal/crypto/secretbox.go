// Package crypto provides at-rest encryption of account secrets and HMAC
// request signing for venue REST APIs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the OWASP-recommended minimum for HMAC-SHA256.
	DefaultIterations = 480_000
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// sealedPrefix tags the sealed-value format version.
	sealedPrefix = "v1:"
)

// ErrOpen is returned when a sealed value cannot be decrypted.
var ErrOpen = errors.New("crypto: cannot open sealed value")

// SecretBox seals short secrets with AES-256-GCM under a key derived once
// from a master password with PBKDF2-HMAC-SHA256.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the sealing key. iterations <= 0 selects
// DefaultIterations.
func NewSecretBox(password, salt string, iterations int) (*SecretBox, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if salt == "" {
		return nil, errors.New("crypto: salt must not be empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &SecretBox{aead: gcm}, nil
}

// Seal encrypts plaintext with a fresh nonce and returns a printable
// string. An empty plaintext seals to the empty string.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	enc, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrOpen)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: too short", ErrOpen)
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrong password or corrupted data", ErrOpen)
	}
	return string(plain), nil
}
