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

	"golang.org/x/crypto/hkdf"
)

// Instance api keys are encrypted at rest with AES-256-GCM; the key is
// derived from the operator-supplied secret with HKDF-SHA256 so the raw
// secret never touches the cipher directly.

const (
	keySize   = 32
	nonceSize = 12

	hkdfSalt = "stashmirror-instance-credentials"
	hkdfInfo = "credential-encryption-v1"
)

var (
	ErrEmptySecret     = errors.New("credential secret cannot be empty")
	ErrDecryptFailed   = errors.New("credential decryption failed")
	ErrInvalidEnvelope = errors.New("invalid credential envelope")
)

// Encryptor encrypts and decrypts instance credentials.
type Encryptor struct {
	aead cipher.AEAD
}

// New derives the encryption key from secret and returns a ready Encryptor.
func New(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 envelope of nonce||ciphertext.
// Empty plaintext passes through so unset api keys stay unset.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	if len(raw) < nonceSize+1 {
		return "", ErrInvalidEnvelope
	}
	plain, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
