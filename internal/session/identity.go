package session

import (
	"context"

	"github.com/weave-vtt/backend/internal/models"
)

// Identity is a verified caller: who they are, the role their credential claims and the
// campaign the credential is bound to.
type Identity struct {
	ParticipantID  string
	DisplayName    string
	Role           models.Role
	SessionBinding string
}

// Authorizer verifies a credential presented at connect time.
type Authorizer interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, credential string) (Identity, error)

// Verify calls f.
func (f AuthorizerFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// MembershipChecker reports whether a participant is an active member of a campaign.
type MembershipChecker interface {
	IsActiveMember(ctx context.Context, sessionID, participantID string) (bool, error)
}

// MembershipFunc adapts a function to MembershipChecker.
type MembershipFunc func(ctx context.Context, sessionID, participantID string) (bool, error)

// IsActiveMember calls f.
func (f MembershipFunc) IsActiveMember(ctx context.Context, sessionID, participantID string) (bool, error) {
	return f(ctx, sessionID, participantID)
}

// Broadcaster fans committed changes out to a campaign's connections.
type Broadcaster interface {
	Broadcast(streamID, event string, payload any)
}
