package session

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/models"
)

// MaxMagnitude bounds |value| and |amount| of numeric commands.
const MaxMagnitude = 1_000_000

// CommandType names a client intent.
type CommandType string

const (
	CmdParticipantUpsert CommandType = "PARTICIPANT_UPSERT"
	CmdSetName           CommandType = "SET_NAME"
	CmdSetHealth         CommandType = "SET_HEALTH"
	CmdAdjustHealth      CommandType = "ADJUST_HEALTH"
	CmdAddExperience     CommandType = "ADD_EXPERIENCE"
	CmdSetRole           CommandType = "SET_ROLE"
)

// Command is a client intent as received on the wire. ID defaults to the caller.
type Command struct {
	Type          CommandType `json:"type"`
	ID            string      `json:"id,omitempty"`
	Name          *string     `json:"name,omitempty"`
	Value         *int        `json:"value,omitempty"`
	Amount        *int        `json:"amount,omitempty"`
	Role          string      `json:"role,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// selfService lists what a player may do, and only to their own record.
var selfService = map[CommandType]bool{
	CmdParticipantUpsert: true,
	CmdSetName:           true,
	CmdAddExperience:     true,
}

func (t CommandType) known() bool {
	switch t {
	case CmdParticipantUpsert, CmdSetName, CmdSetHealth, CmdAdjustHealth, CmdAddExperience, CmdSetRole:
		return true
	}
	return false
}

// parseCorrelation returns nil for an empty id.
func parseCorrelation(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalid("correlation_id", "must be a UUID")
	}
	return &id, nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > campaign.MaxNameLength {
		return "", invalid("name", "too long")
	}
	return name, nil
}

func bounded(field string, v *int) (int, error) {
	if v == nil {
		return 0, invalid(field, "is required")
	}
	if *v > MaxMagnitude || *v < -MaxMagnitude {
		return 0, invalid(field, "out of range")
	}
	return *v, nil
}

// plan validates cmd from actor against st and returns the event to commit.
func plan(st campaign.State, actor Identity, cmd Command) (campaign.Event, error) {
	if !cmd.Type.known() {
		return nil, invalid("type", "unknown command "+string(cmd.Type))
	}
	target := cmd.ID
	if target == "" {
		if cmd.Type == CmdSetRole {
			return nil, invalid("id", "is required")
		}
		target = actor.ParticipantID
	}

	role := actor.Role
	self, selfKnown := st.Participant(actor.ParticipantID)
	if selfKnown {
		role = models.Lower(role, self.Role)
	}
	if role.ReadOnly() {
		return nil, unauthorized("role " + string(role) + " is read-only")
	}
	if !role.Privileged() {
		if target != actor.ParticipantID {
			return nil, unauthorized("may only act on own participant")
		}
		if !selfService[cmd.Type] {
			return nil, unauthorized(string(cmd.Type) + " requires dm or owner")
		}
	}

	current, exists := st.Participant(target)
	if !exists && cmd.Type != CmdParticipantUpsert {
		return nil, invalid("id", "unknown participant "+target)
	}

	switch cmd.Type {
	case CmdParticipantUpsert:
		name := ""
		if cmd.Name != nil {
			n, err := validName(*cmd.Name)
			if err != nil {
				return nil, err
			}
			name = n
		}
		return campaign.Upsert(target, name, ""), nil
	case CmdSetName:
		if cmd.Name == nil {
			return nil, invalid("name", "is required")
		}
		name, err := validName(*cmd.Name)
		if err != nil {
			return nil, err
		}
		return campaign.NameSet{ID: target, Name: name}, nil
	case CmdSetHealth:
		v, err := bounded("value", cmd.Value)
		if err != nil {
			return nil, err
		}
		return campaign.HealthSet{ID: target, Value: v}, nil
	case CmdAdjustHealth:
		amount, err := bounded("amount", cmd.Amount)
		if err != nil {
			return nil, err
		}
		return campaign.HealthSet{ID: target, Value: current.Health + amount}, nil
	case CmdAddExperience:
		amount, err := bounded("amount", cmd.Amount)
		if err != nil {
			return nil, err
		}
		return campaign.ExperienceAdded{ID: target, Amount: amount}, nil
	case CmdSetRole:
		next, ok := models.ParseRole(cmd.Role)
		if !ok {
			return nil, invalid("role", "unknown role "+cmd.Role)
		}
		if next.Outranks(role) {
			return nil, unauthorized("cannot grant a role above your own")
		}
		if current.Role.Outranks(role) {
			return nil, unauthorized("cannot change a participant who outranks you")
		}
		return campaign.RoleSet{ID: target, Role: next}, nil
	}
	return nil, invalid("type", "unknown command "+string(cmd.Type))
}
