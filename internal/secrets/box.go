// Package secrets encrypts webhook secrets and provider access tokens at rest.
package secrets

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

const hkdfInfo = "deployfix secrets v1"

var ErrNoKey = errors.New("secrets: encryption key not configured")

// Box seals strings with AES-256-GCM. Output is base64 of nonce||ciphertext.
type Box struct {
	key []byte
}

func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d: expected 32", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Box{key: k}, nil
}

// FromMasterKey accepts either a base64-encoded 32-byte key, used as is, or
// an arbitrary passphrase that is stretched with HKDF-SHA256.
func FromMasterKey(master string) (*Box, error) {
	master = strings.TrimSpace(master)
	if master == "" {
		return nil, ErrNoKey
	}
	if decoded, err := decodeBase64(master); err == nil && len(decoded) == 32 {
		return NewBox(decoded)
	}
	key, err := DeriveKey([]byte(master), nil)
	if err != nil {
		return nil, err
	}
	return NewBox(key)
}

// DeriveKey expands secret material into a 32-byte AES key.
func DeriveKey(master, salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return "", ErrNoKey
	}
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	packed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(packed), nil
}

func (b *Box) Open(encoded string) (string, error) {
	if b == nil {
		return "", ErrNoKey
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", errors.New("secrets: empty ciphertext")
	}
	packed, err := decodeBase64(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}
	if len(packed) < gcm.NonceSize() {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, ciphertext := packed[:gcm.NonceSize()], packed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func decodeBase64(input string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(input)
}
