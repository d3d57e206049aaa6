package strongroom

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
)

// Vault is the security core of an encrypted storage vault. All user files
// live on disk only as encrypted containers under opaque names; the master
// key derived from the vault password gates access to every container and
// to the metadata database key.
//
// The unlock state is a single explicit value guarded by one mutex; only
// Unlock, Lock, and the rotation orchestrator mutate it.
type Vault struct {
	mu sync.Mutex

	fs     absfs.FileSystem
	dir    string
	store  *StateStore
	suite  CipherSuite
	kdf    KDFParams
	dbKeys *DatabaseKeyManager

	logger  zerolog.Logger
	metrics *vaultMetrics

	// master is nil while locked. The key material lives in a memguard
	// enclave and is only materialized briefly per operation.
	master       *memguard.Enclave
	sessionStart time.Time
}

// New opens a vault rooted at the configured container directory and state
// database. The vault starts locked; call Setup once for a new vault, then
// Unlock per session.
func New(cfg *Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := OpenStateStore(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	if err := cfg.FS.MkdirAll(cfg.ContainerDir, 0700); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create container directory: %w", err)
	}

	suite := cfg.Cipher
	if suite == CipherAuto {
		suite = CipherAES256GCM
	}
	// An initialized vault keeps the suite chosen at setup time.
	if stored, err := store.Cipher(); err == nil {
		suite = stored
	}

	kdf := cfg.KDF
	if kdf == (KDFParams{}) {
		kdf = DefaultKDFParams()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	v := &Vault{
		fs:      cfg.FS,
		dir:     cfg.ContainerDir,
		store:   store,
		suite:   suite,
		kdf:     kdf,
		logger:  logger,
		metrics: newVaultMetrics(cfg.Metrics),
	}
	v.dbKeys = NewDatabaseKeyManager(store, suite)
	return v, nil
}

// Close locks the vault and closes the state database
func (v *Vault) Close() error {
	v.Lock()
	return v.store.Close()
}

// Initialized reports whether the vault has completed setup
func (v *Vault) Initialized() (bool, error) {
	verifier, err := v.store.Verifier()
	if err != nil {
		return false, err
	}
	return verifier != nil, nil
}

// Setup initializes a new vault with the given password: generates the salt,
// derives the master key, generates and wraps the database key, and persists
// the verifier. The vault is left unlocked. An incomplete earlier setup
// (crash before the verifier was written) is discarded and redone.
func (v *Vault) Setup(password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	initialized, err := v.Initialized()
	if err != nil {
		return err
	}
	if initialized {
		return ErrVaultInitialized
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}

	masterKey, err := DeriveMasterKey(password, salt, v.kdf)
	if err != nil {
		return err
	}

	if err := v.store.PutSalt(salt); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}
	if err := v.store.PutKDFParams(v.kdf); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}
	if err := v.store.PutCipherSuite(v.suite); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	// A partial setup may have left a database key wrapped under a dead
	// salt; no data can reference it yet, so discard it.
	if err := v.store.delete(bucketKeys, keyDatabase); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}
	if err := v.dbKeys.GenerateAndStore(masterKey); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	// Writing the verifier completes setup.
	if err := v.store.PutVerifier(deriveVerifier(masterKey)); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	v.master = memguard.NewEnclave(masterKey)
	v.sessionStart = time.Now()
	v.logger.Info().Str("cipher", v.suite.String()).Msg("vault initialized")
	return nil
}

// Unlock derives the master key from the password and verifies it against
// the stored credentials. Returns ErrInvalidCredentials for a wrong password
// without mutating any on-disk state.
//
// If a rotation journal is pending, the password is first used to resolve
// it (roll the rotation forward past its commit point, or roll it back
// before it); fast-path unlock mechanisms must not bypass this, which is
// why IsRotationInProgress exists.
func (v *Vault) Unlock(password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.master != nil {
		return nil
	}

	salt, params, err := v.credentials()
	if err != nil {
		return err
	}

	masterKey, err := DeriveMasterKey(password, salt, params)
	if err != nil {
		return err
	}

	rec, err := v.store.Journal()
	if err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}
	if rec != nil {
		if err := v.resolveJournal(masterKey, rec); err != nil {
			memguard.WipeBytes(masterKey)
			return err
		}
	}

	if err := v.verifyMasterKey(masterKey); err != nil {
		memguard.WipeBytes(masterKey)
		return err
	}

	v.master = memguard.NewEnclave(masterKey)
	v.sessionStart = time.Now()
	v.logger.Info().Msg("vault unlocked")
	return nil
}

// Lock discards the session master key
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.master = nil
	v.sessionStart = time.Time{}
	v.logger.Info().Msg("vault locked")
}

// Unlocked reports whether a session master key is held
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.master != nil
}

// SessionStart returns when the current session was unlocked, or the zero
// time when locked
func (v *Vault) SessionStart() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionStart
}

// IsRotationInProgress reports whether a rotation journal is pending. Must
// be checked before offering any fast-path (biometric, cached-key) unlock:
// a pending journal requires a password unlock so the rotation can be
// resolved.
func (v *Vault) IsRotationInProgress() (bool, error) {
	rec, err := v.store.Journal()
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Put encrypts src into a new container and returns its opaque on-disk
// name. The plaintext name, MIME type, and timestamp are sealed into the
// container metadata; nothing user-identifying appears on disk in the clear.
func (v *Vault) Put(name, mime string, src io.Reader) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fileKey, err := GenerateFileKey()
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(fileKey)

	md := &Metadata{Name: name, MIME: mime, Modified: time.Now().UTC()}

	var header *ContainerHeader
	err = v.withMaster(func(masterKey []byte) error {
		var herr error
		header, herr = newContainerHeader(v.suite, masterKey, fileKey, md)
		return herr
	})
	if err != nil {
		return "", err
	}

	enc, err := EncryptStream(fileKey, header.BodyIV, src)
	if err != nil {
		return "", err
	}
	defer enc.Close()

	container := NewContainerName()
	p := path.Join(v.dir, container)

	f, err := v.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", newContainerError("seal", p, err)
	}

	if err := writeSealed(f, header, enc); err != nil {
		f.Close()
		v.fs.Remove(p)
		return "", newContainerError("seal", p, err)
	}
	if err := f.Close(); err != nil {
		v.fs.Remove(p)
		return "", newContainerError("seal", p, err)
	}

	v.metrics.containersSealed.Inc()
	v.logger.Debug().Str("container", container).Msg("container sealed")
	return container, nil
}

// writeSealed writes the header, streams the encrypted body, and forces the
// container to durable storage
func writeSealed(f absfs.File, header *ContainerHeader, body io.Reader) error {
	if _, err := header.WriteTo(f); err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		return err
	}
	return f.Sync()
}

// Open returns the container's metadata and a stream of its decrypted body.
// The stream is lazily pulled with bounded buffering; closing it stops the
// decryption producer. No plaintext touches disk.
func (v *Vault) Open(container string) (io.ReadCloser, *Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p := path.Join(v.dir, container)
	f, err := v.fs.Open(p)
	if err != nil {
		return nil, nil, newContainerError("open", p, err)
	}

	header, md, err := v.readHeader(f, p)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	var fileKey []byte
	err = v.withMaster(func(masterKey []byte) error {
		var kerr error
		fileKey, kerr = header.UnwrapFileKey(v.suite, masterKey)
		return kerr
	})
	if err != nil {
		f.Close()
		// The session key is verified, so an unwrap failure here means the
		// header does not belong to this vault or was damaged.
		return nil, nil, newContainerError("open", p, fmt.Errorf("%w: %w", ErrCorruptContainer, err))
	}
	defer memguard.WipeBytes(fileKey)

	dec, err := DecryptStream(fileKey, header.BodyIV, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	v.metrics.containersOpened.Inc()
	return &containerStream{ReadCloser: dec, file: f}, md, nil
}

// Stat reads only the container header and proves, in O(1) relative to file
// size, both that the container belongs to this vault and that the session
// master key is correct. Returns the sealed metadata.
func (v *Vault) Stat(container string) (*Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p := path.Join(v.dir, container)
	f, err := v.fs.Open(p)
	if err != nil {
		return nil, newContainerError("stat", p, err)
	}
	defer f.Close()

	header, md, err := v.readHeader(f, p)
	if err != nil {
		return nil, err
	}

	err = v.withMaster(func(masterKey []byte) error {
		fileKey, kerr := header.UnwrapFileKey(v.suite, masterKey)
		if kerr != nil {
			return kerr
		}
		memguard.WipeBytes(fileKey)
		return nil
	})
	if err != nil {
		return nil, newContainerError("stat", p, fmt.Errorf("%w: %w", ErrCorruptContainer, err))
	}
	return md, nil
}

// readHeader reads and validates a container header and opens its sealed
// metadata under the session master key
func (v *Vault) readHeader(f absfs.File, p string) (*ContainerHeader, *Metadata, error) {
	var header ContainerHeader
	if _, err := header.ReadFrom(f); err != nil {
		return nil, nil, newContainerError("open", p, fmt.Errorf("%w: %w", ErrCorruptContainer, err))
	}

	var md *Metadata
	err := v.withMaster(func(masterKey []byte) error {
		var merr error
		md, merr = openMetadata(v.suite, masterKey, header.EncMeta, header.BodyIV)
		return merr
	})
	if err != nil {
		if errors.Is(err, ErrVaultLocked) {
			return nil, nil, err
		}
		return nil, nil, newContainerError("open", p, fmt.Errorf("%w: metadata: %w", ErrCorruptContainer, err))
	}
	return &header, md, nil
}

// List returns the opaque names of all containers in the vault
func (v *Vault) List() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.containerNames()
}

// Shred securely deletes a container: three overwrite passes, truncate,
// unlink. Used for user-initiated deletion.
func (v *Vault) Shred(container string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.master == nil {
		return ErrVaultLocked
	}
	if err := SecureDelete(v.fs, path.Join(v.dir, container)); err != nil {
		return err
	}
	v.metrics.containersShredded.Inc()
	v.logger.Debug().Str("container", container).Msg("container shredded")
	return nil
}

// DatabaseKey unwraps the metadata database key for handing to the storage
// engine at open time. The caller owns the returned slice and must wipe it.
func (v *Vault) DatabaseKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var key []byte
	err := v.withMaster(func(masterKey []byte) error {
		var kerr error
		key, kerr = v.dbKeys.Key(masterKey)
		return kerr
	})
	return key, err
}

// credentials loads the salt and KDF parameters persisted at setup time
func (v *Vault) credentials() ([]byte, KDFParams, error) {
	salt, err := v.store.Salt()
	if err != nil {
		return nil, KDFParams{}, err
	}
	if salt == nil {
		return nil, KDFParams{}, ErrVaultNotInitialized
	}
	params, err := v.store.KDFParams()
	if err != nil {
		return nil, KDFParams{}, err
	}
	return salt, params, nil
}

// verifierMatches compares a derived key against the stored verifier in
// constant time. Unlike verifyMasterKey it does not touch the database key,
// so it is usable while a rotation is mid-flight and the database key may
// be wrapped under the other side of the rotation.
func (v *Vault) verifierMatches(masterKey []byte) (bool, error) {
	stored, err := v.store.Verifier()
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, ErrVaultNotInitialized
	}
	return subtle.ConstantTimeCompare(stored, deriveVerifier(masterKey)) == 1, nil
}

// verifyMasterKey checks a derived key against the stored credentials. The
// verifier comparison is a cheap pre-check; the authoritative signal is the
// AEAD authentication of the database key unwrap.
func (v *Vault) verifyMasterKey(masterKey []byte) error {
	ok, err := v.verifierMatches(masterKey)
	if err != nil {
		return err
	}
	if !ok {
		v.metrics.unlockFailures.Inc()
		return ErrInvalidCredentials
	}

	key, err := v.dbKeys.Key(masterKey)
	if err != nil {
		v.metrics.unlockFailures.Inc()
		return err
	}
	memguard.WipeBytes(key)
	return nil
}

// withMaster materializes the session master key for the duration of fn.
// Callers must hold v.mu.
func (v *Vault) withMaster(fn func(masterKey []byte) error) error {
	if v.master == nil {
		return ErrVaultLocked
	}
	buf, err := v.master.Open()
	if err != nil {
		return fmt.Errorf("failed to open master key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// containerStream closes both the decryption pipe and the underlying file
type containerStream struct {
	io.ReadCloser
	file absfs.File
}

func (s *containerStream) Close() error {
	err := s.ReadCloser.Close()
	if ferr := s.file.Close(); err == nil {
		err = ferr
	}
	return err
}
