// Package campaign holds the participant roster state of a campaign and the deterministic
// reducer that folds stream events into it.
package campaign

import (
	"encoding/json"
	"fmt"

	"github.com/weave-vtt/backend/internal/models"
)

// EventType identifies a kind of roster event as stored in the event log.
type EventType string

const (
	// EventParticipantUpsert creates a participant or merges profile fields into it.
	EventParticipantUpsert EventType = "PARTICIPANT_UPSERT"
	// EventNameSet sets a participant's display name.
	EventNameSet EventType = "NAME_SET"
	// EventHealthSet assigns absolute health.
	EventHealthSet EventType = "HEALTH_SET"
	// EventExperienceAdd adds a signed amount to experience.
	EventExperienceAdd EventType = "EXPERIENCE_ADD"
	// EventRoleSet explicitly changes a participant's role, including demotion.
	EventRoleSet EventType = "ROLE_SET"
)

// Event is the closed set of roster events. Unknown carries kinds this build does not know.
type Event interface {
	Type() EventType
	isEvent()
}

// ParticipantUpserted creates the participant with defaults if absent; otherwise it merges
// the supplied fields. Role is advisory and never lowers an existing role.
type ParticipantUpserted struct {
	ID   string       `json:"id"`
	Name *string      `json:"name,omitempty"`
	Role *models.Role `json:"role,omitempty"`
}

// NameSet sets the display name (truncated to MaxNameLength runes).
type NameSet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HealthSet assigns health, clamped at zero.
type HealthSet struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

// ExperienceAdded adds Amount to experience, clamped at zero.
type ExperienceAdded struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

// RoleSet assigns Role unconditionally.
type RoleSet struct {
	ID   string      `json:"id"`
	Role models.Role `json:"role"`
}

// Unknown is an event kind not recognized by this build. Applying it leaves the roster as is.
type Unknown struct {
	Kind    string
	Payload json.RawMessage
}

func (ParticipantUpserted) Type() EventType { return EventParticipantUpsert }
func (NameSet) Type() EventType             { return EventNameSet }
func (HealthSet) Type() EventType           { return EventHealthSet }
func (ExperienceAdded) Type() EventType     { return EventExperienceAdd }
func (RoleSet) Type() EventType             { return EventRoleSet }
func (u Unknown) Type() EventType           { return EventType(u.Kind) }

func (ParticipantUpserted) isEvent() {}
func (NameSet) isEvent()             {}
func (HealthSet) isEvent()           {}
func (ExperienceAdded) isEvent()     {}
func (RoleSet) isEvent()             {}
func (Unknown) isEvent()             {}

// Encode returns the stored type and JSON payload for e.
func Encode(e Event) (EventType, json.RawMessage, error) {
	if u, ok := e.(Unknown); ok {
		if len(u.Payload) == 0 {
			return u.Type(), json.RawMessage("{}"), nil
		}
		return u.Type(), u.Payload, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	return e.Type(), body, nil
}

// Decode maps a stored type and payload to an Event. Unrecognized types decode to Unknown
// without error; a malformed payload of a known type is an error.
func Decode(eventType string, payload json.RawMessage) (Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var (
		e   Event
		err error
	)
	switch EventType(eventType) {
	case EventParticipantUpsert:
		var v ParticipantUpserted
		err = json.Unmarshal(payload, &v)
		e = v
	case EventNameSet:
		var v NameSet
		err = json.Unmarshal(payload, &v)
		e = v
	case EventHealthSet:
		var v HealthSet
		err = json.Unmarshal(payload, &v)
		e = v
	case EventExperienceAdd:
		var v ExperienceAdded
		err = json.Unmarshal(payload, &v)
		e = v
	case EventRoleSet:
		var v RoleSet
		err = json.Unmarshal(payload, &v)
		e = v
	default:
		return Unknown{Kind: eventType, Payload: payload}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return e, nil
}

// TargetID returns the participant id e applies to, or "" for Unknown.
func TargetID(e Event) string {
	switch v := e.(type) {
	case ParticipantUpserted:
		return v.ID
	case NameSet:
		return v.ID
	case HealthSet:
		return v.ID
	case ExperienceAdded:
		return v.ID
	case RoleSet:
		return v.ID
	}
	return ""
}
