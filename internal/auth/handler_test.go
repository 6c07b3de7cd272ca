package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weave-vtt/backend/internal/models"
)

type fakeUsers struct{ byEmail map[string]*models.User }

func (f *fakeUsers) Upsert(_ context.Context, email, name string) (*models.User, error) {
	if u, ok := f.byEmail[email]; ok {
		if name != "" {
			u.Name = name
		}
		return u, nil
	}
	if name == "" {
		name = strings.Split(email, "@")[0]
	}
	u := &models.User{ID: uuid.New(), Email: email, Name: name, CreatedAt: time.Now()}
	f.byEmail[email] = u
	return u, nil
}

type fakeMembers struct {
	campaigns map[string]*models.Campaign
	roles     map[uuid.UUID]models.Role
}

func (f *fakeMembers) EnsureCampaign(_ context.Context, slug string, createdBy uuid.UUID) (*models.Campaign, error) {
	if c, ok := f.campaigns[slug]; ok {
		return c, nil
	}
	c := &models.Campaign{ID: uuid.New(), Slug: slug, Title: slug, CreatedBy: createdBy}
	f.campaigns[slug] = c
	return c, nil
}

func (f *fakeMembers) Upsert(_ context.Context, campaignID, userID uuid.UUID, role models.Role) (*models.Membership, error) {
	if prev, ok := f.roles[userID]; ok && prev.Outranks(role) {
		role = prev
	}
	f.roles[userID] = role
	return &models.Membership{CampaignID: campaignID, UserID: userID, Role: role, IsActive: true}, nil
}

func devRouter(t *testing.T) (*gin.Engine, *JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestJWT()
	h := NewHandler(&fakeUsers{byEmail: map[string]*models.User{}},
		&fakeMembers{campaigns: map[string]*models.Campaign{}, roles: map[uuid.UUID]models.Role{}}, svc, nil)
	r := gin.New()
	r.POST("/dev/token", h.DevToken)
	return r, svc
}

func postDevToken(t *testing.T, r *gin.Engine, body string) (int, DevTokenResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/dev/token", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var env struct {
		Success bool             `json:"success"`
		Data    DevTokenResponse `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env.Data
}

func TestDevToken_CampaignBound(t *testing.T) {
	r, svc := devRouter(t)
	code, out := postDevToken(t, r, `{"email":"Ann@Example.com","campaign_slug":"lost-mine","role":"dm"}`)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, out.Campaign)
	assert.Equal(t, "ann@example.com", out.User.Email)
	assert.Equal(t, "ann", out.User.Name)

	id, err := svc.Verify(context.Background(), out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.Campaign.ID.String(), id.SessionBinding)
	assert.Equal(t, models.RoleDM, id.Role)

	// asking for less later does not demote
	_, again := postDevToken(t, r, `{"email":"ann@example.com","campaign_slug":"lost-mine","role":"viewer"}`)
	id, err = svc.Verify(context.Background(), again.Token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDM, id.Role)
}

func TestDevToken_IdentityOnly(t *testing.T) {
	r, svc := devRouter(t)
	code, out := postDevToken(t, r, `{"email":"bo@example.com","name":"Bo"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, out.Campaign)

	claims, err := svc.Validate(out.Token)
	require.NoError(t, err)
	assert.Empty(t, claims.CampaignID)
	assert.Equal(t, "Bo", claims.Name)
}

func TestDevToken_BadRequests(t *testing.T) {
	r, _ := devRouter(t)
	for _, body := range []string{`{}`, `{"email":"not-an-email"}`, `{"email":"a@b.co","campaign_slug":"x","role":"god"}`} {
		code, _ := postDevToken(t, r, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
	}
}
