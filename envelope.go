package strongroom

import (
	"crypto/rand"
	"fmt"
)

const (
	// WrapIVSize is the AEAD nonce size used for all wrapping operations
	WrapIVSize = 12

	// wrapTagSize is the AEAD authentication tag size for both suites
	wrapTagSize = 16

	// WrappedKeySize is the size of a wrapped 256-bit key:
	// IV(12) || ciphertext(32) || tag(16)
	WrappedKeySize = WrapIVSize + KeySize + wrapTagSize
)

// WrapKey wraps a 256-bit secret key under a wrapping key using the suite's
// AEAD. The returned blob is IV || ciphertext || tag, WrappedKeySize bytes.
//
// When iv is nil a fresh random IV is generated. Callers re-wrapping a file
// key during password rotation must pass the container's original body IV:
// the IV identifies the file's body keystream, not the wrapping operation,
// and must survive re-wraps unchanged. Reusing the IV across wrapping keys
// is safe because each wrapping key sees it at most once per container.
func WrapKey(suite CipherSuite, wrappingKey, secret, iv, aad []byte) ([]byte, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", ErrInvalidKey, KeySize, len(secret))
	}
	blob, err := Seal(suite, wrappingKey, secret, iv, aad)
	if err != nil {
		return nil, err
	}
	if len(blob) != WrappedKeySize {
		return nil, fmt.Errorf("wrapped key has unexpected size %d", len(blob))
	}
	return blob, nil
}

// UnwrapKey reverses WrapKey. It returns ErrAuthFailed when the wrapping key
// is wrong or the blob was tampered with; this is the universal signal for
// "wrong password" or "corrupted header" anywhere in the vault.
func UnwrapKey(suite CipherSuite, wrappingKey, blob, aad []byte) ([]byte, error) {
	if len(blob) != WrappedKeySize {
		return nil, fmt.Errorf("%w: wrapped key must be %d bytes, got %d", ErrInvalidKey, WrappedKeySize, len(blob))
	}
	return Open(suite, wrappingKey, blob, aad)
}

// Seal encrypts an arbitrary payload under key with the suite's AEAD and a
// random IV unless one is supplied. Returned layout: IV || ciphertext || tag.
func Seal(suite CipherSuite, key, plaintext, iv, aad []byte) ([]byte, error) {
	engine, err := NewCipherEngine(suite, key)
	if err != nil {
		return nil, err
	}

	if iv == nil {
		iv = make([]byte, engine.NonceSize())
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("failed to generate IV: %w", err)
		}
	} else if len(iv) != engine.NonceSize() {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", engine.NonceSize(), len(iv))
	}

	ct, err := engine.Encrypt(iv, plaintext, aad)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(iv)+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts and authenticates a payload previously produced by Seal.
func Open(suite CipherSuite, key, blob, aad []byte) ([]byte, error) {
	engine, err := NewCipherEngine(suite, key)
	if err != nil {
		return nil, err
	}
	if len(blob) < engine.NonceSize()+engine.Overhead() {
		return nil, fmt.Errorf("%w: sealed blob too short", ErrAuthFailed)
	}
	iv := blob[:engine.NonceSize()]
	ct := blob[engine.NonceSize():]
	return engine.Decrypt(iv, ct, aad)
}

// GenerateFileKey generates a fresh random 256-bit file encryption key.
// File keys exist only wrapped at rest; callers must wipe the returned slice
// as soon as it is no longer needed.
func GenerateFileKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	return key, nil
}
