// Package crypto seals OAuth tokens at rest with AES-256-GCM.
//
// Sealed values are text: a version prefix followed by base64(nonce || ciphertext || tag).
// Values without the prefix are treated as legacy plaintext and pass through Open
// unchanged, so a key can be introduced without rewriting existing rows first.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "enc:v1:"

// ErrNoKey is returned when a sealed value is opened without a key.
var ErrNoKey = errors.New("crypto: sealed value but no encryption key configured")

// Cipher seals and opens token strings. A nil *Cipher stores plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Sealed reports whether s was produced by Seal.
func Sealed(s string) bool { return strings.HasPrefix(s, sealedPrefix) }

// Seal encrypts plaintext. Empty strings and a nil cipher return the input.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if c == nil || plaintext == "" || Sealed(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Unsealed values are returned as they are.
func (c *Cipher) Open(s string) (string, error) {
	if !Sealed(s) {
		return s, nil
	}
	if c == nil {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(raw))
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
