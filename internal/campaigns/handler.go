// Package campaigns serves read-only audit views of a campaign's event stream.
package campaigns

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/eventstore"
	"github.com/weave-vtt/backend/internal/models"
	"github.com/weave-vtt/backend/pkg/response"
)

// DefaultEventsLimit is the page size of GET /campaigns/:id/events.
const DefaultEventsLimit = 100

// Handler handles the campaign audit endpoints. Access is enforced by route middleware.
type Handler struct {
	store  eventstore.Store
	logger *zap.Logger
}

// NewHandler creates a campaigns handler.
func NewHandler(store eventstore.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// EventsResponse is a page of the event log.
type EventsResponse struct {
	Events         []models.Event `json:"events"`
	CurrentVersion int64          `json:"current_version"`
	Next           *int64         `json:"next_after,omitempty"`
}

// StateResponse is state rebuilt from the store.
type StateResponse struct {
	Version         int64                  `json:"version"`
	SnapshotVersion int64                  `json:"snapshot_version"`
	Replayed        int                    `json:"replayed"`
	Participants    []campaign.Participant `json:"participants"`
}

func campaignParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		response.BadRequest(c, "invalid campaign id")
		return "", false
	}
	return id, true
}

// Events handles GET /campaigns/:id/events?after=&limit=.
func (h *Handler) Events(c *gin.Context) {
	id, ok := campaignParam(c)
	if !ok {
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		response.BadRequest(c, "invalid after")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultEventsLimit)))
	if err != nil || limit <= 0 || limit > eventstore.DefaultPageLimit {
		response.BadRequest(c, "invalid limit")
		return
	}

	ctx := c.Request.Context()
	current, err := h.store.CurrentVersion(ctx, id)
	if err != nil {
		h.logger.Error("audit: current version", zap.String("campaign_id", id), zap.Error(err))
		response.Internal(c, "failed to load events")
		return
	}
	events, err := h.store.EventsAfter(ctx, id, after, limit)
	if err != nil {
		h.logger.Error("audit: events", zap.String("campaign_id", id), zap.Error(err))
		response.Internal(c, "failed to load events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	out := EventsResponse{Events: events, CurrentVersion: current}
	if n := len(events); n > 0 && events[n-1].Version < current {
		last := events[n-1].Version
		out.Next = &last
	}
	response.OK(c, out)
}

// State handles GET /campaigns/:id/state. The state is rebuilt from the latest snapshot and
// tail, independent of any live session.
func (h *Handler) State(c *gin.Context) {
	id, ok := campaignParam(c)
	if !ok {
		return
	}
	r, err := h.store.LoadForRehydrate(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("audit: load", zap.String("campaign_id", id), zap.Error(err))
		response.Internal(c, "failed to load state")
		return
	}
	st, err := campaign.Rehydrate(r.Snapshot, r.Tail)
	if err != nil {
		h.logger.Error("audit: rehydrate", zap.String("campaign_id", id), zap.Error(err))
		response.Internal(c, "failed to rebuild state")
		return
	}
	response.OK(c, StateResponse{
		Version:         st.Version,
		SnapshotVersion: r.BaseVersion(),
		Replayed:        len(r.Tail),
		Participants:    st.Roster(),
	})
}
