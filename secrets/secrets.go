// Package secrets encrypts endpoint signing secrets at rest.
//
// Encryption is an explicit Encrypt/Decrypt pair invoked by the store
// implementations at their serialization boundary, so ownership of "when
// encryption happens" is visible in code rather than hidden in accessors.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// KeySize is the required AES-256 key length.
const KeySize = 32

// Errors returned by cipher operations.
var (
	ErrInvalidKey        = errors.New("secrets: key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)

// Cipher encrypts and decrypts strings with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce + sealed data).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Join(ErrInvalidCiphertext, err)
	}

	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidCiphertext
	}

	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", errors.Join(ErrInvalidCiphertext, err)
	}

	return string(plain), nil
}
