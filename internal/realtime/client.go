package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/middleware"
	"github.com/weave-vtt/backend/internal/session"
	"github.com/weave-vtt/backend/pkg/response"
)

// Inbound and outbound event names.
const (
	EventOp      = "op"
	EventChat    = "chat"
	EventState   = "state"
	EventAck     = "ack"
	EventError   = "error"
	EventMeta    = "meta"
	defaultChat  = 500
	sendBuffer   = 256
	readLimit    = 65536
	writeTimeout = 10 * time.Second
)

// newUpgrader accepts requests without an Origin header (non-browser clients) and browser
// requests from allowed origins. An empty list or "*" allows all.
func newUpgrader(allowed []string) *websocket.Upgrader {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || origins["*"] || origins[origin]
		},
	}
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnState is the lifecycle of one connection.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnAuthenticating
	ConnJoined
	ConnLeft
)

// StatePayload is the full sync sent after join.
type StatePayload struct {
	Version      int64                  `json:"version"`
	Participants []campaign.Participant `json:"participants"`
	Self         string                 `json:"self"`
}

// MetaPayload reports the aggregate's versions.
type MetaPayload struct {
	Version         int64 `json:"version"`
	SnapshotVersion int64 `json:"snapshot_version"`
}

// AckPayload confirms a committed command.
type AckPayload struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Version       int64  `json:"version"`
}

// ErrorPayload reports a rejected command to its sender only.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ChatPayload is a relayed chat line.
type ChatPayload struct {
	From string `json:"from"`
	Name string `json:"name"`
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// ClientOptions tunes connections.
type ClientOptions struct {
	ChatMaxLength  int
	AllowedOrigins []string
}

// Client represents a single WebSocket connection in a campaign.
type Client struct {
	ID         string
	CampaignID string
	Identity   session.Identity
	JoinedAt   time.Time
	hub        *Hub
	agg        *session.Aggregate
	conn       *websocket.Conn
	send       chan WSMessage
	logger     *zap.Logger
	opts       ClientOptions

	mu    sync.Mutex
	state ConnState
}

// State returns the connection's lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ServeWs handles the WebSocket upgrade, authenticates and joins the caller, then runs the
// client loop. The token comes from the "token" query param or a Bearer header.
func ServeWs(hub *Hub, registry *session.Registry, logger *zap.Logger, opts ClientOptions) gin.HandlerFunc {
	if opts.ChatMaxLength <= 0 {
		opts.ChatMaxLength = defaultChat
	}
	upgrader := newUpgrader(opts.AllowedOrigins)
	return func(c *gin.Context) {
		campaignID := c.Query("campaign_id")
		token := c.Query("token")
		if token == "" {
			token, _ = middleware.BearerToken(c)
		}
		if campaignID == "" || token == "" {
			response.BadRequest(c, "campaign_id and token required")
			return
		}

		agg, release, err := registry.Acquire(c.Request.Context(), campaignID)
		if err != nil {
			logger.Error("acquire campaign failed", zap.String("campaign_id", campaignID), zap.Error(err))
			response.ServiceUnavailable(c, "campaign unavailable")
			return
		}
		identity, err := agg.Authenticate(c.Request.Context(), token)
		if err != nil {
			release()
			response.Unauthorized(c, "invalid token")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			release()
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:         uuid.New().String(),
			CampaignID: campaignID,
			Identity:   identity,
			hub:        hub,
			agg:        agg,
			conn:       conn,
			send:       make(chan WSMessage, sendBuffer),
			logger:     logger.With(zap.String("campaign_id", campaignID), zap.String("participant_id", identity.ParticipantID)),
			opts:       opts,
			state:      ConnAuthenticating,
		}
		go client.writePump()
		defer release()
		if err := client.join(c.Request.Context()); err != nil {
			client.reject(err)
			return
		}
		client.readPump()
	}
}

// join registers the client before committing the join so no later change is missed; the
// state message that follows supersedes any earlier change.
func (c *Client) join(ctx context.Context) error {
	c.hub.Register(c)
	st, err := c.agg.Join(ctx, c.Identity)
	if err != nil {
		c.hub.Unregister(c)
		return err
	}
	c.JoinedAt = time.Now()
	c.setState(ConnJoined)

	c.sendEvent(EventState, StatePayload{Version: st.Version, Participants: st.Roster(), Self: c.Identity.ParticipantID})
	persisted, snapshot := c.agg.Versions()
	c.sendEvent(EventMeta, MetaPayload{Version: persisted, SnapshotVersion: snapshot})
	c.logger.Info("client joined", zap.String("client_id", c.ID), zap.Int64("version", st.Version), zap.Int("clients", c.hub.ClientCount(c.CampaignID)))
	return nil
}

// reject reports a failed join and closes the connection.
func (c *Client) reject(err error) {
	c.logger.Warn("join rejected", zap.Error(err))
	c.sendEvent(EventError, ErrorPayload{Code: session.Kind(err), Message: err.Error()})
	c.setState(ConnLeft)
	close(c.send)
}

func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encode message", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
		c.logger.Warn("client buffer full, dropping message", zap.String("event", event))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.setState(ConnLeft)
		close(c.send)
		c.logger.Info("client left", zap.String("client_id", c.ID))
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventOp:
			c.handleOp(msg.Data)
		case EventChat:
			c.handleChat(msg.Data)
		default:
			// ignore
		}
	}
}

func (c *Client) handleOp(data json.RawMessage) {
	var cmd session.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.sendEvent(EventError, ErrorPayload{Code: session.KindValidation, Message: "malformed command"})
		return
	}
	change, err := c.agg.Execute(context.Background(), c.Identity, cmd)
	if err != nil {
		if errors.Is(err, session.ErrNotReady) {
			c.logger.Warn("command on unavailable aggregate", zap.Error(err))
		}
		c.sendEvent(EventError, ErrorPayload{Code: session.Kind(err), Message: err.Error(), CorrelationID: cmd.CorrelationID})
		return
	}
	c.sendEvent(EventAck, AckPayload{CorrelationID: cmd.CorrelationID, Version: change.Version})
}

func (c *Client) handleChat(data json.RawMessage) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > c.opts.ChatMaxLength {
		text = string([]rune(text)[:c.opts.ChatMaxLength])
	}
	name := c.Identity.DisplayName
	if p, ok := c.agg.Snapshot().Participant(c.Identity.ParticipantID); ok {
		name = p.Name
	}
	c.hub.Broadcast(c.CampaignID, EventChat, ChatPayload{
		From: c.Identity.ParticipantID,
		Name: name,
		Text: text,
		At:   time.Now().UnixMilli(),
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
