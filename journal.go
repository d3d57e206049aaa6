package strongroom

import (
	"fmt"
	"time"
)

// RotationState is the coarse state of a password rotation.
// IDLE is represented by the absence of a journal record; a persisted record
// is either IN_PROGRESS or FAILED.
type RotationState uint8

const (
	// RotationIdle means no rotation is in flight
	RotationIdle RotationState = iota
	// RotationInProgress means a rotation has started and not yet completed
	RotationInProgress
	// RotationFailed means a rotation attempt aborted; old credentials are
	// intact and the journal is kept so the rotation can be retried
	RotationFailed
)

// String returns the string representation of the rotation state
func (s RotationState) String() string {
	switch s {
	case RotationIdle:
		return "idle"
	case RotationInProgress:
		return "in-progress"
	case RotationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RotationStep is the strictly ordered progress marker within a rotation.
// Each step is journaled before the corresponding mutation begins.
type RotationStep uint8

const (
	// StepNone - rotation recorded but no mutation started
	StepNone RotationStep = iota
	// StepRewrapFiles - per-container file key re-wraps are in progress
	StepRewrapFiles
	// StepRewrapDatabaseKey - the database key re-wrap is in progress
	StepRewrapDatabaseKey
	// StepFinalize - all re-wraps done; the new credential is being persisted
	StepFinalize
	// StepDone - rotation complete (the journal is cleared immediately after)
	StepDone
)

// String returns the string representation of the rotation step
func (s RotationStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepRewrapFiles:
		return "rewrap-files"
	case StepRewrapDatabaseKey:
		return "rewrap-database-key"
	case StepFinalize:
		return "finalize"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// JournalRecord is the durable progress record of an in-flight password
// rotation. Its presence is the sole authority for whether a rotation must
// be resumed on next startup; at most one exists per vault.
type JournalRecord struct {
	State RotationState `json:"state"`
	Step  RotationStep  `json:"step"`

	// OldKeyID and NewKeyID identify the wrapping keys involved without
	// revealing key material.
	OldKeyID string `json:"old_key_id"`
	NewKeyID string `json:"new_key_id"`

	// WrappedNewKey is the new master key sealed under the old master key.
	// It lets an interrupted rotation roll forward given only the old
	// password, and is destroyed with the journal.
	WrappedNewKey []byte `json:"wrapped_new_key"`

	StartedAt time.Time `json:"started_at"`
}

// checkpoint advances the journal to the given step and durably persists it.
// Steps may only move forward; a backwards checkpoint is a logic error.
func (r *JournalRecord) checkpoint(store *StateStore, step RotationStep) error {
	if step < r.Step {
		return fmt.Errorf("rotation step cannot move backwards: %s -> %s", r.Step, step)
	}
	r.Step = step
	r.State = RotationInProgress
	if err := store.PutJournal(r); err != nil {
		return fmt.Errorf("failed to checkpoint rotation journal at %s: %w", step, err)
	}
	return nil
}

// markFailed records the rotation as FAILED, keeping the journal so the
// rotation can be retried without having lost track of the key pair.
func (r *JournalRecord) markFailed(store *StateStore) error {
	r.State = RotationFailed
	return store.PutJournal(r)
}
