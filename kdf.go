package strongroom

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of all symmetric keys: the master key, per-file
	// keys, and the database key.
	KeySize = 32

	// SaltSize is the size of the per-vault KDF salt
	SaltSize = 32
)

// KDFParams contains parameters for Argon2id key derivation. The same
// password, salt, and parameters always yield the same master key; this is
// what makes disaster recovery possible (new device + password + salt yields
// the same master key and therefore the same unwrapped file keys).
type KDFParams struct {
	Memory      uint32 `json:"memory"`      // Memory in KiB
	Time        uint32 `json:"time"`        // Number of passes
	Parallelism uint8  `json:"parallelism"` // Degree of parallelism
}

// DefaultKDFParams returns the recommended Argon2id parameters for
// interactive unlocking on desktop-class hardware.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Memory:      64 * 1024, // 64 MB
		Time:        3,
		Parallelism: 4,
	}
}

// Validate checks the parameters for obviously unusable values.
func (p KDFParams) Validate() error {
	if p.Memory == 0 {
		return fmt.Errorf("kdf memory cannot be zero")
	}
	if p.Time == 0 {
		return fmt.Errorf("kdf time cannot be zero")
	}
	if p.Parallelism == 0 {
		return fmt.Errorf("kdf parallelism cannot be zero")
	}
	return nil
}

// DeriveMasterKey derives the 256-bit master key from a password and the
// per-vault salt. A wrong password does not fail here; it produces a key
// that later fails to authenticate a wrapped-key blob, which is how a wrong
// password is actually detected.
func DeriveMasterKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Parallelism, KeySize), nil
}

// GenerateSalt generates a new random per-vault salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// masterKeyID returns a short public identifier for a master key, used by
// the rotation journal to name the old and new keys without storing key
// material. Derived with HKDF so the ID reveals nothing about the key.
func masterKeyID(masterKey []byte) string {
	out := make([]byte, 8)
	r := hkdf.New(sha256.New, masterKey, nil, []byte("strongroom/key-id/v1"))
	if _, err := io.ReadFull(r, out); err != nil {
		// Reader over SHA-256 cannot fail for 8 bytes.
		panic(err)
	}
	return hex.EncodeToString(out)
}

// deriveVerifier derives the stored password-verification value from a
// master key. The verifier is a cheap pre-check; the authoritative wrong
// password signal is an authentication failure unwrapping the database key.
func deriveVerifier(masterKey []byte) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte("strongroom/verifier/v1"))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}
