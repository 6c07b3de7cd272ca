package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/weave-vtt/backend/internal/models"
	"github.com/weave-vtt/backend/internal/session"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoCampaign is returned when an identity-only token is used where a campaign-bound one is required.
	ErrNoCampaign = errors.New("token is not bound to a campaign")
)

// Claims holds JWT claims: the user (sub), profile fields and an optional campaign binding.
type Claims struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	CampaignID string `json:"campaign_id,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// JWTService handles token generation and validation (HS256 with issuer and audience checks).
type JWTService struct {
	secret      []byte
	issuer      string
	audience    string
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret, issuer, audience string, expireHours int) *JWTService {
	if expireHours <= 0 {
		expireHours = 12
	}
	return &JWTService{
		secret:      []byte(secret),
		issuer:      issuer,
		audience:    audience,
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a JWT for the user. An empty campaignID issues an identity-only token.
func (s *JWTService) Generate(userID uuid.UUID, email, name, campaignID string, role models.Role) (string, error) {
	now := s.now()
	claims := Claims{
		Email:      email,
		Name:       name,
		CampaignID: campaignID,
		Role:       string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or ErrInvalidToken.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify implements session.Authorizer for campaign-bound tokens.
func (s *JWTService) Verify(_ context.Context, credential string) (session.Identity, error) {
	claims, err := s.Validate(credential)
	if err != nil {
		return session.Identity{}, err
	}
	if claims.CampaignID == "" {
		return session.Identity{}, ErrNoCampaign
	}
	role, ok := models.ParseRole(claims.Role)
	if !ok {
		role = models.RolePlayer
	}
	return session.Identity{
		ParticipantID:  claims.Subject,
		DisplayName:    claims.Name,
		Role:           role,
		SessionBinding: claims.CampaignID,
	}, nil
}
