package strongroom

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestCipherEngines_RoundTrip(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			key := randomBytes(t, KeySize)
			engine, err := NewCipherEngine(suite, key)
			require.NoError(t, err)

			assert.Equal(t, WrapIVSize, engine.NonceSize())
			assert.Equal(t, wrapTagSize, engine.Overhead())

			nonce := randomBytes(t, engine.NonceSize())
			plaintext := []byte("attack at dawn")
			aad := []byte("header context")

			ct, err := engine.Encrypt(nonce, plaintext, aad)
			require.NoError(t, err)
			assert.Len(t, ct, len(plaintext)+engine.Overhead())
			assert.False(t, bytes.Contains(ct, plaintext))

			got, err := engine.Decrypt(nonce, ct, aad)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestCipherEngines_AuthFailures(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			key := randomBytes(t, KeySize)
			engine, err := NewCipherEngine(suite, key)
			require.NoError(t, err)

			nonce := randomBytes(t, engine.NonceSize())
			ct, err := engine.Encrypt(nonce, []byte("payload"), []byte("aad"))
			require.NoError(t, err)

			// wrong key
			other, err := NewCipherEngine(suite, randomBytes(t, KeySize))
			require.NoError(t, err)
			_, err = other.Decrypt(nonce, ct, []byte("aad"))
			assert.ErrorIs(t, err, ErrAuthFailed)

			// wrong AAD
			_, err = engine.Decrypt(nonce, ct, []byte("different"))
			assert.ErrorIs(t, err, ErrAuthFailed)

			// flipped ciphertext bit
			tampered := append([]byte(nil), ct...)
			tampered[0] ^= 0x01
			_, err = engine.Decrypt(nonce, tampered, []byte("aad"))
			assert.ErrorIs(t, err, ErrAuthFailed)
		})
	}
}

func TestNewCipherEngine_Errors(t *testing.T) {
	_, err := NewCipherEngine(CipherAES256GCM, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewCipherEngine(CipherChaCha20Poly1305, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewCipherEngine(CipherSuite(99), make([]byte, KeySize))
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}

func TestNewCipherEngine_AutoDefaultsToGCM(t *testing.T) {
	engine, err := NewCipherEngine(CipherAuto, make([]byte, KeySize))
	require.NoError(t, err)
	_, ok := engine.(*AESGCMEngine)
	assert.True(t, ok)
}
