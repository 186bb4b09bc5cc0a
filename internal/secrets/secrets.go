// Package secrets encrypts credentials and key material at rest.
//
// The wire layout is fixed for compatibility with existing rows:
// URL-safe base64 of IV ∥ AES-128-CBC(PKCS7(plaintext)), where the IV is the
// first 16 bytes of the process-wide encryption key. Changing the layout
// would orphan every encrypted column in the database.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the number of key bytes actually used (AES-128).
// ENCRYPTION_KEY may be longer; only the first 16 bytes matter.
const KeySize = 16

// ErrKeyTooShort is returned when the configured key has fewer than 16 bytes.
var ErrKeyTooShort = errors.New("encryption key must be at least 16 bytes")

// Codec encrypts and decrypts strings under a fixed process-wide key.
type Codec struct {
	key []byte
	iv  []byte
}

// NewCodec creates a Codec from the raw key material. Only the first 16
// bytes are used, for both the AES key and the IV.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	k := make([]byte, KeySize)
	copy(k, key[:KeySize])
	return &Codec{key: k, iv: k}, nil
}

// Encrypt returns the URL-safe base64 encoding of IV ∥ AES-128-CBC(PKCS7(plaintext)).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, c.iv)
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The IV is read from the blob itself, so rows
// written by older processes with a different (but then-current) key prefix
// still decode as long as the key matches.
func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("malformed encrypted blob")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// pkcs7Pad appends 1..blockSize bytes, each equal to the pad length.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad strips and validates PKCS7 padding.
func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
