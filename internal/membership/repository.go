// Package membership stores campaigns and who belongs to them.
package membership

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weave-vtt/backend/internal/models"
)

// Repository handles campaigns and campaign_members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a membership repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// IsActiveMember reports whether userID is an active member of campaignID. Malformed ids are
// never members.
func (r *Repository) IsActiveMember(ctx context.Context, campaignID, userID string) (bool, error) {
	cid, err := uuid.Parse(campaignID)
	if err != nil {
		return false, nil
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return false, nil
	}
	const q = `SELECT EXISTS (SELECT 1 FROM campaign_members
		WHERE campaign_id = $1 AND user_id = $2 AND is_active)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, cid, uid).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// EnsureCampaign returns the campaign with slug, creating it (titled from the slug) if absent.
func (r *Repository) EnsureCampaign(ctx context.Context, slug string, createdBy uuid.UUID) (*models.Campaign, error) {
	const q = `INSERT INTO campaigns (slug, title, created_by) VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, slug, title, created_by, created_at`
	var c models.Campaign
	if err := r.pool.QueryRow(ctx, q, slug, TitleFromSlug(slug), createdBy).Scan(&c.ID, &c.Slug, &c.Title, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert adds userID to campaignID with role, or reactivates the membership. An existing role
// is never lowered here; demotion is a SET_ROLE command.
func (r *Repository) Upsert(ctx context.Context, campaignID, userID uuid.UUID, role models.Role) (*models.Membership, error) {
	const q = `INSERT INTO campaign_members (campaign_id, user_id, role)
		VALUES ($1, $2, $3::campaign_role)
		ON CONFLICT (campaign_id, user_id) DO UPDATE
		SET role = GREATEST(campaign_members.role, EXCLUDED.role), is_active = TRUE, updated_at = NOW()
		RETURNING campaign_id, user_id, role::text, is_active, created_at, updated_at`
	var m models.Membership
	err := r.pool.QueryRow(ctx, q, campaignID, userID, string(role)).Scan(&m.CampaignID, &m.UserID, &m.Role, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TitleFromSlug turns "lost-mine" into "Lost Mine".
func TitleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' || unicode.IsSpace(r) })
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
