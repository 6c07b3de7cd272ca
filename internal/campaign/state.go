package campaign

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"

	"github.com/weave-vtt/backend/internal/models"
)

const (
	// MaxNameLength is the maximum display name length in runes.
	MaxNameLength = 64
	// DefaultHealth is the health of a newly created participant.
	DefaultHealth = 10
	// DefaultName is used when a participant is created without a name.
	DefaultName = "Player"
	// DefaultRole is used when a participant is created without a role.
	DefaultRole = models.RolePlayer
)

// Participant is one roster record.
type Participant struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Health     int         `json:"health"`
	Experience int         `json:"experience"`
	Role       models.Role `json:"role"`
}

// State is the aggregate state of a campaign stream: the roster and the stream version it
// reflects. A State is treated as a value: Apply never mutates its input.
type State struct {
	Participants map[string]Participant `json:"participants"`
	Version      int64                  `json:"version"`
}

// NewState returns an empty state at version 0.
func NewState() State {
	return State{Participants: make(map[string]Participant)}
}

// Clone returns a copy sharing no mutable memory with s.
func (s State) Clone() State {
	out := State{Version: s.Version, Participants: maps.Clone(s.Participants)}
	if out.Participants == nil {
		out.Participants = make(map[string]Participant)
	}
	return out
}

// Participant returns the record for id.
func (s State) Participant(id string) (Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

// Roster returns participants sorted by id.
func (s State) Roster() []Participant {
	list := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Marshal serializes the state for a snapshot. Map keys are emitted sorted, so equal states
// produce identical bytes.
func (s State) Marshal() (json.RawMessage, error) {
	if s.Participants == nil {
		s.Participants = map[string]Participant{}
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return body, nil
}

// UnmarshalState decodes a snapshot state, filling defaults for missing record fields.
func UnmarshalState(raw json.RawMessage) (State, error) {
	st := NewState()
	if len(raw) == 0 {
		return st, nil
	}
	var decoded struct {
		Participants map[string]json.RawMessage `json:"participants"`
		Version      int64                      `json:"version"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	st.Version = decoded.Version
	for id, body := range decoded.Participants {
		p := Participant{ID: id, Name: DefaultName, Health: DefaultHealth, Role: DefaultRole}
		if err := json.Unmarshal(body, &p); err != nil {
			return State{}, fmt.Errorf("unmarshal participant %s: %w", id, err)
		}
		if p.ID == "" {
			p.ID = id
		}
		p.Health = clampNonNegative(p.Health)
		p.Experience = clampNonNegative(p.Experience)
		st.Participants[id] = p
	}
	return st, nil
}
