package strongroom

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherEngine provides AEAD encryption/decryption for key wrapping and
// metadata sealing.
type CipherEngine interface {
	// Encrypt encrypts plaintext with the given nonce and associated data
	Encrypt(nonce, plaintext, aad []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce and associated data
	Decrypt(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// AESGCMEngine implements CipherEngine using AES-256-GCM
type AESGCMEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: AES-256 requires a %d-byte key, got %d bytes", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aead: aead}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
func (e *AESGCMEngine) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (e *AESGCMEngine) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NonceSize returns the nonce size for AES-GCM (12 bytes)
func (e *AESGCMEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *AESGCMEngine) Overhead() int {
	return e.aead.Overhead()
}

// ChaCha20Poly1305Engine implements CipherEngine using ChaCha20-Poly1305
type ChaCha20Poly1305Engine struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (*ChaCha20Poly1305Engine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &ChaCha20Poly1305Engine{aead: aead}, nil
}

// Encrypt encrypts plaintext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt decrypts ciphertext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NonceSize returns the nonce size for ChaCha20-Poly1305 (12 bytes)
func (e *ChaCha20Poly1305Engine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *ChaCha20Poly1305Engine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a new cipher engine for the given suite and key.
// Both suites use 12-byte nonces and 16-byte tags, so wrapped-key blobs have
// the same size either way.
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM, CipherAuto:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}
