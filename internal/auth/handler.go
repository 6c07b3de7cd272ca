package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/models"
	"github.com/weave-vtt/backend/pkg/response"
)

// UserStore upserts accounts for development login.
type UserStore interface {
	Upsert(ctx context.Context, email, name string) (*models.User, error)
}

// MemberStore ensures campaigns and memberships for development login.
type MemberStore interface {
	EnsureCampaign(ctx context.Context, slug string, createdBy uuid.UUID) (*models.Campaign, error)
	Upsert(ctx context.Context, campaignID, userID uuid.UUID, role models.Role) (*models.Membership, error)
}

// DevTokenRequest is the body for POST /dev/token.
type DevTokenRequest struct {
	Email        string `json:"email" binding:"required,email"`
	Name         string `json:"name"`
	CampaignSlug string `json:"campaign_slug"`
	Role         string `json:"role"` // optional, defaults to owner
}

// DevTokenResponse is the dev login response with JWT.
type DevTokenResponse struct {
	Token    string             `json:"token"`
	User     models.User        `json:"user"`
	Campaign *models.Campaign   `json:"campaign,omitempty"`
	Member   *models.Membership `json:"membership,omitempty"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	users   UserStore
	members MemberStore
	jwt     *JWTService
	logger  *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users UserStore, members MemberStore, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, members: members, jwt: jwt, logger: logger}
}

// DevToken handles POST /dev/token. It upserts the user and, when a campaign slug is given,
// the campaign and membership, then issues a token bound to that campaign.
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	role := models.RoleOwner
	if req.Role != "" {
		r, ok := models.ParseRole(req.Role)
		if !ok {
			response.BadRequest(c, "invalid role")
			return
		}
		role = r
	}

	ctx := c.Request.Context()
	user, err := h.users.Upsert(ctx, strings.ToLower(strings.TrimSpace(req.Email)), strings.TrimSpace(req.Name))
	if err != nil {
		h.logger.Error("dev token: upsert user", zap.Error(err))
		response.Internal(c, "failed to upsert user")
		return
	}
	out := DevTokenResponse{User: *user}

	campaignID := ""
	tokenRole := models.Role("")
	if slug := strings.TrimSpace(req.CampaignSlug); slug != "" {
		camp, err := h.members.EnsureCampaign(ctx, slug, user.ID)
		if err != nil {
			h.logger.Error("dev token: ensure campaign", zap.Error(err), zap.String("slug", slug))
			response.Internal(c, "failed to ensure campaign")
			return
		}
		member, err := h.members.Upsert(ctx, camp.ID, user.ID, role)
		if err != nil {
			h.logger.Error("dev token: upsert membership", zap.Error(err), zap.String("campaign_id", camp.ID.String()))
			response.Internal(c, "failed to upsert membership")
			return
		}
		out.Campaign, out.Member = camp, member
		campaignID, tokenRole = camp.ID.String(), member.Role
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.Name, campaignID, tokenRole)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	out.Token = token
	h.logger.Info("dev token issued", zap.String("user_id", user.ID.String()), zap.String("campaign_id", campaignID))
	response.OK(c, out)
}
