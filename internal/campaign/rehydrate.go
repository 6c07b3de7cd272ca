package campaign

import (
	"errors"
	"fmt"

	"github.com/weave-vtt/backend/internal/models"
)

// ErrVersionGap means the tail handed to Rehydrate is not contiguous with the snapshot.
var ErrVersionGap = errors.New("event version gap")

// Rehydrate rebuilds state from an optional snapshot and the ordered events after it.
// Events at or below the snapshot version are skipped; a malformed payload of a known kind is
// treated like an unknown event so replay never fails on stored data.
func Rehydrate(snapshot *models.Snapshot, tail []models.Event) (State, error) {
	st := NewState()
	if snapshot != nil {
		decoded, err := UnmarshalState(snapshot.State)
		if err != nil {
			return State{}, fmt.Errorf("snapshot v%d: %w", snapshot.Version, err)
		}
		st = decoded
		st.Version = snapshot.Version
	}
	for _, row := range tail {
		if row.Version <= st.Version {
			continue
		}
		if row.Version != st.Version+1 {
			return State{}, fmt.Errorf("%w: have v%d, next event is v%d", ErrVersionGap, st.Version, row.Version)
		}
		apply(&st, DecodeStored(row))
	}
	return st, nil
}

// DecodeStored decodes a stored event for replay. Undecodable payloads become Unknown.
func DecodeStored(row models.Event) Event {
	e, err := Decode(row.Type, row.Payload)
	if err != nil {
		return Unknown{Kind: row.Type, Payload: row.Payload}
	}
	return e
}

