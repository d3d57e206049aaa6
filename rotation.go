package strongroom

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/absfs/absfs"
	"github.com/awnumar/memguard"
)

// journalAAD binds the journal's wrapped new-key blob to its purpose
var journalAAD = []byte("strongroom/journal/v1")

// rewrapTempSuffix marks the staging file of an in-flight container re-wrap
const rewrapTempSuffix = ".rewrap"

// ChangePassword atomically changes the vault password. Every container's
// file key and the database key are re-wrapped under the key derived from
// newPassword; file bodies and the metadata store are never touched. The
// whole operation is checkpointed to a durable journal so a crash at any
// point leaves the vault recoverable: before the new credential is
// persisted the old password still works (an interrupted attempt is rolled
// back on next unlock), after it the new password works.
func (v *Vault) ChangePassword(oldPassword, newPassword []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, params, err := v.credentials()
	if err != nil {
		return err
	}

	oldKey, err := DeriveMasterKey(oldPassword, salt, params)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(oldKey)

	// A stale journal from an earlier crashed or failed attempt must be
	// resolved before a fresh rotation may begin.
	if rec, err := v.store.Journal(); err != nil {
		return err
	} else if rec != nil {
		if err := v.resolveJournal(oldKey, rec); err != nil {
			return err
		}
	}

	if err := v.verifyMasterKey(oldKey); err != nil {
		return err
	}

	newKey, err := DeriveMasterKey(newPassword, salt, params)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(newKey)

	wrappedNew, err := Seal(v.suite, oldKey, newKey, nil, journalAAD)
	if err != nil {
		return err
	}

	rec := &JournalRecord{
		State:         RotationInProgress,
		Step:          StepNone,
		OldKeyID:      masterKeyID(oldKey),
		NewKeyID:      masterKeyID(newKey),
		WrappedNewKey: wrappedNew,
		StartedAt:     time.Now().UTC(),
	}
	if err := v.store.PutJournal(rec); err != nil {
		return fmt.Errorf("failed to open rotation journal: %w", err)
	}

	v.logger.Info().
		Str("old_key_id", rec.OldKeyID).
		Str("new_key_id", rec.NewKeyID).
		Msg("password rotation started")

	if err := v.runRotation(oldKey, newKey, rec); err != nil {
		v.metrics.rotationsFailed.Inc()
		return err
	}

	// Keep an unlocked session unlocked, now under the new key.
	if v.master != nil {
		session := make([]byte, KeySize)
		copy(session, newKey)
		v.master = memguard.NewEnclave(session)
	}

	v.metrics.rotationsCompleted.Inc()
	v.logger.Info().Str("key_id", rec.NewKeyID).Msg("password rotation completed")
	return nil
}

// runRotation drives the checkpointed steps forward from wherever the
// journal says it left off. Every step is idempotent, so re-running after a
// crash is safe.
func (v *Vault) runRotation(oldKey, newKey []byte, rec *JournalRecord) error {
	if rec.Step <= StepRewrapFiles {
		if err := rec.checkpoint(v.store, StepRewrapFiles); err != nil {
			return err
		}
		if err := v.rewrapAllContainers(oldKey, newKey, rec); err != nil {
			return err
		}
	}

	if rec.Step <= StepRewrapDatabaseKey {
		if err := rec.checkpoint(v.store, StepRewrapDatabaseKey); err != nil {
			return err
		}
		if err := v.dbKeys.Rewrap(oldKey, newKey); err != nil {
			if ferr := rec.markFailed(v.store); ferr != nil {
				v.logger.Error().Err(ferr).Msg("failed to mark rotation journal failed")
			}
			return newRotationError(StepRewrapDatabaseKey, err)
		}
	}

	if err := rec.checkpoint(v.store, StepFinalize); err != nil {
		return err
	}

	// The irreversible point: persisting the new verifier commits the
	// rotation. bbolt syncs on commit, so this is durable once it returns.
	if err := v.store.PutVerifier(deriveVerifier(newKey)); err != nil {
		if ferr := rec.markFailed(v.store); ferr != nil {
			v.logger.Error().Err(ferr).Msg("failed to mark rotation journal failed")
		}
		return newRotationError(StepFinalize, err)
	}

	rec.Step = StepDone
	return v.store.ClearJournal()
}

// rewrapAllContainers re-wraps every container's file key from oldKey to
// newKey, one file at a time to bound peak I/O and keep resumption simple.
// Any single failure aborts the rotation; partial success would leave file
// keys wrapped under different master keys.
func (v *Vault) rewrapAllContainers(oldKey, newKey []byte, rec *JournalRecord) error {
	v.cleanupRewrapTemps()

	names, err := v.containerNames()
	if err != nil {
		if ferr := rec.markFailed(v.store); ferr != nil {
			v.logger.Error().Err(ferr).Msg("failed to mark rotation journal failed")
		}
		return newRotationError(StepRewrapFiles, err)
	}

	for _, name := range names {
		p := path.Join(v.dir, name)
		rewrapped, err := rewrapContainerAtomic(v.fs, p, v.suite, oldKey, newKey)
		if err != nil {
			if ferr := rec.markFailed(v.store); ferr != nil {
				v.logger.Error().Err(ferr).Msg("failed to mark rotation journal failed")
			}
			return newRotationError(StepRewrapFiles, err)
		}
		if rewrapped {
			v.metrics.filesRewrapped.Inc()
			v.logger.Debug().Str("container", name).Msg("container re-wrapped")
		}
	}
	return nil
}

// rewrapContainerAtomic re-wraps one container's file key from oldKey to
// newKey, preserving the body IV byte-for-byte and copying the body
// unchanged. The new header and body copy go to a temp file in the same
// directory, which is synced and then atomically renamed over the original;
// the original is never opened for writing, so a failure at any point
// leaves it intact.
//
// Returns false when the container is already wrapped under newKey, which
// makes resumed rotations idempotent.
func rewrapContainerAtomic(fs absfs.FileSystem, p string, suite CipherSuite, oldKey, newKey []byte) (bool, error) {
	src, err := fs.Open(p)
	if err != nil {
		return false, newContainerError("rewrap", p, err)
	}
	defer src.Close()

	var header ContainerHeader
	if _, err := header.ReadFrom(src); err != nil {
		return false, newContainerError("rewrap", p, fmt.Errorf("%w: %w", ErrCorruptContainer, err))
	}

	if _, err := header.UnwrapFileKey(suite, newKey); err == nil {
		return false, nil
	}

	fileKey, err := header.UnwrapFileKey(suite, oldKey)
	if err != nil {
		return false, newContainerError("rewrap", p, fmt.Errorf("%w: file key unwrap: %w", ErrCorruptContainer, err))
	}
	defer memguard.WipeBytes(fileKey)

	md, err := openMetadata(suite, oldKey, header.EncMeta, header.BodyIV)
	if err != nil {
		return false, newContainerError("rewrap", p, fmt.Errorf("%w: metadata: %w", ErrCorruptContainer, err))
	}

	// New wrapping, same IV: the body keystream is derived from this IV and
	// the body is not re-encrypted.
	wrapped, err := WrapKey(suite, newKey, fileKey, header.BodyIV[:], nil)
	if err != nil {
		return false, newContainerError("rewrap", p, err)
	}
	copy(header.WrappedFEK[:], wrapped)

	encMeta, err := sealMetadata(suite, newKey, md, header.BodyIV)
	if err != nil {
		return false, newContainerError("rewrap", p, err)
	}
	header.EncMeta = encMeta

	tmpPath := p + rewrapTempSuffix
	tmp, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return false, newContainerError("rewrap", p, err)
	}

	if err := writeRewrapped(tmp, &header, src); err != nil {
		tmp.Close()
		fs.Remove(tmpPath)
		return false, newContainerError("rewrap", p, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpPath)
		return false, newContainerError("rewrap", p, err)
	}

	if err := fs.Rename(tmpPath, p); err != nil {
		fs.Remove(tmpPath)
		return false, newContainerError("rewrap", p, err)
	}
	return true, nil
}

// writeRewrapped writes the new header plus a byte-for-byte copy of the
// unchanged body, then forces the temp file to durable storage.
func writeRewrapped(dst absfs.File, header *ContainerHeader, body io.Reader) error {
	if _, err := header.WriteTo(dst); err != nil {
		return err
	}
	if _, err := io.Copy(dst, body); err != nil {
		return err
	}
	return dst.Sync()
}

// resolveJournal settles a pending journal given a derived master key. The
// stored verifier decides which side of the irreversible point the crash
// happened on: if the caller's key is the committed credential the rotation
// rolls forward (only cleanup remains), if it is the pre-rotation credential
// the rotation rolls back, re-wrapping any already-rotated containers back
// under the old key. Either way the vault ends fully consistent under the
// caller's password.
func (v *Vault) resolveJournal(masterKey []byte, rec *JournalRecord) error {
	// Authenticate against the verifier alone: the database key may be
	// wrapped under either side of the interrupted rotation, so it cannot
	// serve as the check here.
	ok, err := v.verifierMatches(masterKey)
	if err != nil {
		return err
	}
	if !ok {
		// Wrong password, or the password for the other side of the
		// rotation; the journal stays for the next attempt.
		v.metrics.unlockFailures.Inc()
		return ErrInvalidCredentials
	}

	switch masterKeyID(masterKey) {
	case rec.NewKeyID:
		// Crash landed after the commit point. All re-wraps completed
		// before the verifier was persisted, so only the journal remains.
		v.logger.Warn().
			Str("key_id", rec.NewKeyID).
			Msg("completing interrupted password rotation")
		return v.store.ClearJournal()

	case rec.OldKeyID:
		// Crash landed before the commit point. Roll back so the old
		// password owns every wrapped key again.
		v.logger.Warn().
			Str("key_id", rec.OldKeyID).
			Str("step", rec.Step.String()).
			Msg("rolling back interrupted password rotation")

		newKey, err := Open(v.suite, masterKey, rec.WrappedNewKey, journalAAD)
		if err != nil {
			return fmt.Errorf("%w: journal key unwrap: %w", ErrRotationInterrupted, err)
		}
		defer memguard.WipeBytes(newKey)

		if err := v.rollbackRotation(masterKey, newKey); err != nil {
			return err
		}
		return v.store.ClearJournal()

	default:
		return ErrInvalidCredentials
	}
}

// rollbackRotation re-wraps everything the interrupted rotation already
// moved to the new key back under the old key. Re-wrap direction is simply
// reversed; the same idempotence applies.
func (v *Vault) rollbackRotation(oldKey, newKey []byte) error {
	v.cleanupRewrapTemps()

	names, err := v.containerNames()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRotationInterrupted, err)
	}
	for _, name := range names {
		p := path.Join(v.dir, name)
		if _, err := rewrapContainerAtomic(v.fs, p, v.suite, newKey, oldKey); err != nil {
			return fmt.Errorf("%w: %w", ErrRotationInterrupted, err)
		}
	}

	if err := v.dbKeys.Rewrap(newKey, oldKey); err != nil {
		return fmt.Errorf("%w: %w", ErrRotationInterrupted, err)
	}
	return nil
}

// cleanupRewrapTemps removes staging files left behind by a previous crash.
// The originals they were meant to replace are still intact.
func (v *Vault) cleanupRewrapTemps() {
	dir, err := v.fs.Open(v.dir)
	if err != nil {
		return
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return
	}
	for _, name := range names {
		if strings.HasSuffix(name, rewrapTempSuffix) {
			if err := v.fs.Remove(path.Join(v.dir, name)); err != nil {
				v.logger.Warn().Str("file", name).Err(err).Msg("failed to remove stale re-wrap temp file")
			}
		}
	}
}

// containerNames lists the vault's container files in a stable order
func (v *Vault) containerNames() ([]string, error) {
	dir, err := v.fs.Open(v.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open container directory: %w", err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := names[:0]
	for _, name := range names {
		if strings.HasSuffix(name, ContainerExt) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
