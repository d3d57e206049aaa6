package strongroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKey_RoundTrip(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			wrapping := randomBytes(t, KeySize)
			secret, err := GenerateFileKey()
			require.NoError(t, err)

			blob, err := WrapKey(suite, wrapping, secret, nil, nil)
			require.NoError(t, err)
			assert.Len(t, blob, WrappedKeySize)

			got, err := UnwrapKey(suite, wrapping, blob, nil)
			require.NoError(t, err)
			assert.Equal(t, secret, got)
		})
	}
}

func TestWrapKey_WrongKeyFailsAuth(t *testing.T) {
	wrapping := randomBytes(t, KeySize)
	secret, err := GenerateFileKey()
	require.NoError(t, err)

	blob, err := WrapKey(CipherAES256GCM, wrapping, secret, nil, nil)
	require.NoError(t, err)

	_, err = UnwrapKey(CipherAES256GCM, randomBytes(t, KeySize), blob, nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

// A caller-supplied IV must be honored verbatim: rotation re-wraps file keys
// under a new master key while keeping the container's body IV, and the body
// keystream is derived from those exact bytes.
func TestWrapKey_CallerSuppliedIV(t *testing.T) {
	wrapping := randomBytes(t, KeySize)
	secret, err := GenerateFileKey()
	require.NoError(t, err)
	iv := randomBytes(t, WrapIVSize)

	blob, err := WrapKey(CipherAES256GCM, wrapping, secret, iv, nil)
	require.NoError(t, err)
	assert.Equal(t, iv, blob[:WrapIVSize], "blob must start with the supplied IV")

	// Re-wrap under a different key with the same IV; IV survives, payload
	// changes, and both unwrap to the same secret.
	other := randomBytes(t, KeySize)
	blob2, err := WrapKey(CipherAES256GCM, other, secret, iv, nil)
	require.NoError(t, err)
	assert.Equal(t, iv, blob2[:WrapIVSize])
	assert.NotEqual(t, blob, blob2)

	got, err := UnwrapKey(CipherAES256GCM, other, blob2, nil)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestWrapKey_RejectsBadSecretSize(t *testing.T) {
	_, err := WrapKey(CipherAES256GCM, randomBytes(t, KeySize), make([]byte, 16), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestUnwrapKey_RejectsBadBlobSize(t *testing.T) {
	_, err := UnwrapKey(CipherAES256GCM, randomBytes(t, KeySize), make([]byte, WrappedKeySize-1), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := randomBytes(t, KeySize)
	payload := []byte(`{"name":"report.pdf"}`)
	aad := []byte("context")

	blob, err := Seal(CipherAES256GCM, key, payload, nil, aad)
	require.NoError(t, err)

	got, err := Open(CipherAES256GCM, key, blob, aad)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// AAD mismatch
	_, err = Open(CipherAES256GCM, key, blob, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	// truncated blob
	_, err = Open(CipherAES256GCM, key, blob[:10], aad)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGenerateFileKey(t *testing.T) {
	k1, err := GenerateFileKey()
	require.NoError(t, err)
	k2, err := GenerateFileKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}
