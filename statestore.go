package strongroom

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVault   = []byte("vault")
	bucketKeys    = []byte("keys")
	bucketJournal = []byte("journal")

	// Keys within buckets
	keySalt       = []byte("salt")
	keyKDFParams  = []byte("kdf_params")
	keyVerifier   = []byte("verifier")
	keyCipher     = []byte("cipher")
	keyDatabase   = []byte("database_key")
	keyJournalRec = []byte("record")
)

// StateStore is the durable key-value store for the vault's non-container
// state: the KDF salt and parameters, the password verifier, the wrapped
// database key, and the rotation journal. Writes are atomic per
// transaction, which the rotation checkpoint protocol depends on.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens (creating if necessary) the state database at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVault, bucketKeys, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &StateStore{db: db}, nil
}

// Close closes the state database
func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) put(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

// get returns a copy of the stored value, or nil if the key is absent.
func (s *StateStore) get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

func (s *StateStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// PutSalt stores the per-vault KDF salt
func (s *StateStore) PutSalt(salt []byte) error {
	return s.put(bucketVault, keySalt, salt)
}

// Salt returns the per-vault KDF salt, or nil if the vault is uninitialized
func (s *StateStore) Salt() ([]byte, error) {
	return s.get(bucketVault, keySalt)
}

// PutKDFParams stores the Argon2id parameters
func (s *StateStore) PutKDFParams(p KDFParams) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.put(bucketVault, keyKDFParams, data)
}

// KDFParams returns the stored Argon2id parameters
func (s *StateStore) KDFParams() (KDFParams, error) {
	var p KDFParams
	data, err := s.get(bucketVault, keyKDFParams)
	if err != nil {
		return p, err
	}
	if data == nil {
		return p, ErrVaultNotInitialized
	}
	return p, json.Unmarshal(data, &p)
}

// PutVerifier stores the password-verification value
func (s *StateStore) PutVerifier(verifier []byte) error {
	return s.put(bucketVault, keyVerifier, verifier)
}

// Verifier returns the stored password-verification value
func (s *StateStore) Verifier() ([]byte, error) {
	return s.get(bucketVault, keyVerifier)
}

// PutCipherSuite stores the vault's AEAD suite
func (s *StateStore) PutCipherSuite(suite CipherSuite) error {
	return s.put(bucketVault, keyCipher, []byte{byte(suite)})
}

// Cipher returns the vault's AEAD suite
func (s *StateStore) Cipher() (CipherSuite, error) {
	data, err := s.get(bucketVault, keyCipher)
	if err != nil {
		return CipherAuto, err
	}
	if len(data) != 1 {
		return CipherAuto, ErrVaultNotInitialized
	}
	return CipherSuite(data[0]), nil
}

// PutWrappedDatabaseKey stores the wrapped database key blob
func (s *StateStore) PutWrappedDatabaseKey(blob []byte) error {
	return s.put(bucketKeys, keyDatabase, blob)
}

// WrappedDatabaseKey returns the wrapped database key blob, or nil if the
// database key has not been generated yet
func (s *StateStore) WrappedDatabaseKey() ([]byte, error) {
	return s.get(bucketKeys, keyDatabase)
}

// PutJournal durably stores the rotation journal record
func (s *StateStore) PutJournal(rec *JournalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.put(bucketJournal, keyJournalRec, data)
}

// Journal returns the pending rotation journal record, or nil when no
// rotation is in flight
func (s *StateStore) Journal() (*JournalRecord, error) {
	data, err := s.get(bucketJournal, keyJournalRec)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var rec JournalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode rotation journal: %w", err)
	}
	return &rec, nil
}

// ClearJournal deletes the rotation journal record. Called only after a
// rotation fully succeeds.
func (s *StateStore) ClearJournal() error {
	return s.delete(bucketJournal, keyJournalRec)
}
