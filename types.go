package strongroom

import (
	"errors"

	"github.com/absfs/absfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// CipherSuite represents the AEAD algorithm used for key wrapping and
// metadata sealing. The container body always uses AES-256-CTR keyed by the
// per-file key, independent of the suite.
type CipherSuite uint8

const (
	// CipherAuto selects the best available suite (currently AES-256-GCM)
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// Config contains configuration for a vault.
type Config struct {
	// FS is the filesystem holding encrypted containers. Rename must be
	// atomic within ContainerDir; this is a deployment precondition of the
	// re-wrap commit protocol.
	FS absfs.FileSystem

	// ContainerDir is the directory under FS where containers live.
	ContainerDir string

	// StatePath is the path of the durable state database holding the salt,
	// password verifier, wrapped database key, and rotation journal.
	// A local file path, not a path under FS.
	StatePath string

	// Cipher selects the AEAD suite for key wrapping. Zero value is CipherAuto.
	Cipher CipherSuite

	// KDF holds the Argon2id parameters used when the vault is created.
	// Existing vaults use the parameters persisted at setup time.
	KDF KDFParams

	// Logger receives structured events. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Metrics, when non-nil, is the registry vault counters are registered on.
	Metrics prometheus.Registerer
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.FS == nil {
		return errors.New("container filesystem cannot be nil")
	}
	if c.ContainerDir == "" {
		return errors.New("container directory cannot be empty")
	}
	if c.StatePath == "" {
		return errors.New("state path cannot be empty")
	}
	if c.Cipher != CipherAuto && c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	return nil
}
