// Package cryptox provides the symmetric cipher protecting remote session
// material at rest. Both services share one process-wide key configured at
// startup; rotation requires a restart with a re-encryption migration.
package cryptox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptionFailed indicates the ciphertext was not produced under the
// current key, or was corrupted or tampered with.
var ErrDecryptionFailed = errors.New("decryption failed")

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ParseKey decodes a base64url-encoded key and validates its length.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Cipher seals and opens session blobs with a ChaCha20-Poly1305 AEAD.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a Cipher from a raw key. Keys of the wrong shape are a
// configuration error surfaced at startup, never at request time.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under the process-wide key. The random nonce is
// prepended to the ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Any failure — wrong key, truncation,
// tampering — is reported as ErrDecryptionFailed so callers can treat the
// credential as unusable instead of crashing.
func (c *Cipher) Open(box []byte) ([]byte, error) {
	if len(box) < c.aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := box[:c.aead.NonceSize()], box[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
