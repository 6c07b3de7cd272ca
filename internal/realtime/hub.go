package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains campaign_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// campaignID -> map[clientID]*Client
	campaigns map[string]map[string]*Client
	subs      map[string]func() // cancel Redis subscription per campaign
	mu        sync.RWMutex
	logger    *zap.Logger
	redis     RedisPublisher
	redisSub  RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishCampaignEvent(campaignID, event string, payload []byte) error
}

// RedisSubscriber subscribes to campaign channels and invokes handler for events published by
// other instances.
type RedisSubscriber interface {
	SubscribeCampaign(campaignID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		campaigns: make(map[string]map[string]*Client),
		subs:      make(map[string]func()),
		logger:    logger,
		redis:     redisPub,
		redisSub:  redisSub,
	}
}

// Register adds a client to a campaign room. Starts Redis subscription for the campaign if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.campaigns[c.CampaignID] == nil {
		h.campaigns[c.CampaignID] = make(map[string]*Client)
		if h.redisSub != nil {
			campaignID := c.CampaignID
			cancel, err := h.redisSub.SubscribeCampaign(campaignID, func(event string, payload []byte) {
				h.BroadcastToCampaign(campaignID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[campaignID] = cancel
			} else {
				h.logger.Warn("redis subscribe failed", zap.String("campaign_id", campaignID), zap.Error(err))
			}
		}
	}
	h.campaigns[c.CampaignID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined campaign", zap.String("client_id", c.ID), zap.String("campaign_id", c.CampaignID))
}

// Unregister removes a client from a campaign room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.campaigns[c.CampaignID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.campaigns, c.CampaignID)
			if cancel, ok := h.subs[c.CampaignID]; ok {
				cancel()
				delete(h.subs, c.CampaignID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left campaign", zap.String("client_id", c.ID), zap.String("campaign_id", c.CampaignID))
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// BroadcastToCampaign sends a message to all clients in a campaign (local only).
func (h *Hub) BroadcastToCampaign(campaignID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(campaignID, WSMessage{Event: event, Data: data})
}

func (h *Hub) deliver(campaignID string, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.campaigns[campaignID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
			h.logger.Warn("client buffer full, dropping message", zap.String("client_id", c.ID), zap.String("event", msg.Event))
		}
	}
}

// Broadcast sends to local clients and publishes to Redis for other instances.
func (h *Hub) Broadcast(campaignID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(campaignID, WSMessage{Event: event, Data: data})
	if h.redis != nil {
		if err := h.redis.PublishCampaignEvent(campaignID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("campaign_id", campaignID), zap.Error(err))
		}
	}
}

// ClientCount returns the number of connected clients in a campaign.
func (h *Hub) ClientCount(campaignID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.campaigns[campaignID])
}

