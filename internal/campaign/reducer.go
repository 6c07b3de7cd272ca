package campaign

import (
	"github.com/weave-vtt/backend/internal/models"
)

// Apply returns the state that results from applying e to s. It is pure and total: s is not
// modified, and unknown or targetless events leave the roster untouched. Every event,
// including unknown ones, advances Version by one, so Version always equals the stream
// version the state reflects.
func Apply(s State, e Event) State {
	next := s.Clone()
	apply(&next, e)
	return next
}

// Replay folds events over s in order and returns the result. s is not modified.
func Replay(s State, events []Event) State {
	next := s.Clone()
	for _, e := range events {
		apply(&next, e)
	}
	return next
}

// apply mutates s in place. Callers own s.
func apply(s *State, e Event) {
	s.Version++
	switch v := e.(type) {
	case ParticipantUpserted:
		if v.ID == "" {
			return
		}
		p, exists := s.Participants[v.ID]
		if !exists {
			p = newParticipant(v.ID)
		}
		if v.Name != nil && *v.Name != "" {
			p.Name = TruncateName(*v.Name)
		}
		if v.Role != nil && v.Role.Valid() {
			// advisory: an upsert never demotes; ROLE_SET is the explicit path
			if !exists || !p.Role.Outranks(*v.Role) {
				p.Role = *v.Role
			}
		}
		s.Participants[v.ID] = p
	case NameSet:
		if p, ok := participantFor(s, v.ID); ok {
			p.Name = TruncateName(v.Name)
			s.Participants[v.ID] = p
		}
	case HealthSet:
		if p, ok := participantFor(s, v.ID); ok {
			p.Health = clampNonNegative(v.Value)
			s.Participants[v.ID] = p
		}
	case ExperienceAdded:
		if p, ok := participantFor(s, v.ID); ok {
			p.Experience = clampNonNegative(p.Experience + v.Amount)
			s.Participants[v.ID] = p
		}
	case RoleSet:
		if !v.Role.Valid() {
			return
		}
		if p, ok := participantFor(s, v.ID); ok {
			p.Role = v.Role
			s.Participants[v.ID] = p
		}
	case Unknown:
	}
}

// participantFor returns the record for id, creating a default one when absent.
func participantFor(s *State, id string) (Participant, bool) {
	if id == "" {
		return Participant{}, false
	}
	if p, ok := s.Participants[id]; ok {
		return p, true
	}
	return newParticipant(id), true
}

func newParticipant(id string) Participant {
	return Participant{
		ID:     id,
		Name:   DefaultName,
		Health: DefaultHealth,
		Role:   DefaultRole,
	}
}

// TruncateName cuts name to MaxNameLength runes.
func TruncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= MaxNameLength {
		return name
	}
	return string(runes[:MaxNameLength])
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Upsert builds a ParticipantUpserted event; empty name and role are omitted.
func Upsert(id, name string, role models.Role) ParticipantUpserted {
	e := ParticipantUpserted{ID: id}
	if name != "" {
		e.Name = &name
	}
	if role != "" {
		e.Role = &role
	}
	return e
}
