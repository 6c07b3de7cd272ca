package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "campaign:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
// Messages carry the publishing instance id so an instance does not re-deliver its own.
type RedisPubSub struct {
	client   *redis.Client
	logger   *zap.Logger
	instance string
}

// NewRedisPubSub creates a Redis pub/sub bridge for campaign events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger, instance: uuid.NewString()}
}

func channelFor(campaignID string) string {
	return channelPrefix + campaignID
}

// PublishCampaignEvent publishes an event to the campaign's Redis channel.
func (r *RedisPubSub) PublishCampaignEvent(campaignID, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Origin: r.instance, Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelFor(campaignID), body).Err()
}

// SubscribeCampaign subscribes to a campaign's Redis channel and calls handler for each message
// from another instance. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeCampaign(campaignID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelFor(campaignID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, data, ok := r.decode(msg.Payload)
				if !ok {
					continue
				}
				handler(event, data)
			}
		}
	}()
	return cancelCtx, nil
}

// decode returns the event of a foreign message; own and malformed messages are dropped.
func (r *RedisPubSub) decode(raw string) (string, []byte, bool) {
	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		r.logger.Debug("dropping malformed redis message", zap.Error(err))
		return "", nil, false
	}
	if p.Origin == r.instance {
		return "", nil, false
	}
	return p.Event, p.Data, true
}
