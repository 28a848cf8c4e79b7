package deliberation

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CheckpointVersion is the current checkpoint blob schema version. The
// engine owns versioning; the store never inspects blobs. Backward
// incompatible state-shape changes bump this and register a migration.
const CheckpointVersion = 1

// ErrVersionMismatch is returned when a checkpoint blob's version cannot
// be migrated to the current schema. Resume fails loudly rather than
// continuing from guessed defaults.
var ErrVersionMismatch = errors.New("checkpoint version mismatch")

// checkpointEnvelope wraps the serialized state with its schema version
// and step counter.
type checkpointEnvelope struct {
	Version int             `json:"version"`
	Step    int             `json:"step"`
	State   json.RawMessage `json:"state"`
}

// migrations upgrades a blob's state payload from version key to key+1.
// Registered migrations run in sequence until CheckpointVersion.
var migrations = map[int]func(json.RawMessage) (json.RawMessage, error){}

// EncodeCheckpoint serializes state into a versioned blob.
func EncodeCheckpoint(st *State) ([]byte, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	blob, err := json.Marshal(checkpointEnvelope{
		Version: CheckpointVersion,
		Step:    st.Steps,
		State:   stateJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return blob, nil
}

// DecodeCheckpoint parses a blob, migrating old versions where a migration
// exists and rejecting anything else.
func DecodeCheckpoint(blob []byte) (*State, error) {
	var env checkpointEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint blob: %w", err)
	}
	if env.Version < 1 || env.Version > CheckpointVersion {
		return nil, fmt.Errorf("%w: blob version %d, engine version %d",
			ErrVersionMismatch, env.Version, CheckpointVersion)
	}

	state := env.State
	for v := env.Version; v < CheckpointVersion; v++ {
		migrate, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from version %d", ErrVersionMismatch, v)
		}
		var err error
		if state, err = migrate(state); err != nil {
			return nil, fmt.Errorf("migrating checkpoint from version %d: %w", v, err)
		}
	}

	var st State
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint state: %w", err)
	}
	if st.SessionID == "" {
		return nil, fmt.Errorf("corrupt checkpoint state: missing session id")
	}
	return &st, nil
}
