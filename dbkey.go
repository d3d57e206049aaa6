package strongroom

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// dbKeyAAD binds wrapped database-key blobs to their purpose.
var dbKeyAAD = []byte("strongroom/database-key/v1")

// DatabaseKeyManager owns the symmetric key of the encrypted metadata store.
// The key is random, generated exactly once, and independent of the master
// key: password changes re-wrap it but never regenerate it, so the metadata
// store's ciphertext is never touched by a rotation.
type DatabaseKeyManager struct {
	store *StateStore
	suite CipherSuite
}

// NewDatabaseKeyManager creates a manager backed by the given state store
func NewDatabaseKeyManager(store *StateStore, suite CipherSuite) *DatabaseKeyManager {
	return &DatabaseKeyManager{store: store, suite: suite}
}

// GenerateAndStore generates the database key and persists it wrapped under
// the master key. Idempotent: if a wrapped blob already exists, nothing
// changes.
func (m *DatabaseKeyManager) GenerateAndStore(masterKey []byte) error {
	existing, err := m.store.WrappedDatabaseKey()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	key, err := GenerateFileKey()
	if err != nil {
		return fmt.Errorf("failed to generate database key: %w", err)
	}
	defer memguard.WipeBytes(key)

	blob, err := WrapKey(m.suite, masterKey, key, nil, dbKeyAAD)
	if err != nil {
		return err
	}
	return m.store.PutWrappedDatabaseKey(blob)
}

// Key unwraps the database key for handing to the metadata store at open
// time. The caller must wipe the returned slice when the store is open.
func (m *DatabaseKeyManager) Key(masterKey []byte) ([]byte, error) {
	blob, err := m.store.WrappedDatabaseKey()
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrVaultNotInitialized
	}
	key, err := UnwrapKey(m.suite, masterKey, blob, dbKeyAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: database key unwrap: %w", ErrInvalidCredentials, err)
	}
	return key, nil
}

// Rewrap unwraps the database key with the old master key and persists it
// re-wrapped under the new one. Idempotent: if the blob already unwraps
// under the new key, nothing changes. The metadata store itself is never
// read or written here.
func (m *DatabaseKeyManager) Rewrap(oldMasterKey, newMasterKey []byte) error {
	blob, err := m.store.WrappedDatabaseKey()
	if err != nil {
		return err
	}
	if blob == nil {
		return ErrVaultNotInitialized
	}

	if _, err := UnwrapKey(m.suite, newMasterKey, blob, dbKeyAAD); err == nil {
		// Already wrapped under the new key (resumed rotation).
		return nil
	}

	key, err := UnwrapKey(m.suite, oldMasterKey, blob, dbKeyAAD)
	if err != nil {
		return fmt.Errorf("%w: database key unwrap: %w", ErrInvalidCredentials, err)
	}
	defer memguard.WipeBytes(key)

	rewrapped, err := WrapKey(m.suite, newMasterKey, key, nil, dbKeyAAD)
	if err != nil {
		return err
	}
	return m.store.PutWrappedDatabaseKey(rewrapped)
}
