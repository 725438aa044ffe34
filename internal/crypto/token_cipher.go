// Package crypto seals platform access tokens before they reach the database.
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
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidMasterKey = errors.New("invalid master key: must be base64 for 32 bytes")
	ErrMalformed        = errors.New("sealed token is malformed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	keySize = 32
	// sealedPrefix versions the format so the key schedule can change later.
	sealedPrefix = "v1."
	tokenKeyInfo = "replydesk access-token v1"
)

// TokenCipher encrypts access tokens with AES-256-GCM under a key derived
// from the service master key. Each ciphertext is bound to its integration
// id, so a sealed token copied onto another row does not open.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher derives the token key from a base64 master key.
func NewTokenCipher(masterKeyBase64 string) (*TokenCipher, error) {
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil || len(masterKey) != keySize {
		return nil, ErrInvalidMasterKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// Seal encrypts token for the integration identified by integrationID.
func (c *TokenCipher) Seal(integrationID, token string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(token), []byte(integrationID))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token sealed for integrationID.
func (c *TokenCipher) Open(integrationID, sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < c.aead.NonceSize() {
		return "", ErrMalformed
	}

	nonce, body := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, []byte(integrationID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a random master key, base64 encoded for config files.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
