package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stream identifies one campaign's append-only history.
type Stream struct {
	ID        string    `json:"stream_id"`
	Type      string    `json:"stream_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is an immutable, committed entry of a stream.
type Event struct {
	ID            uuid.UUID       `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	Version       int64           `json:"version"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Snapshot is a cached materialization of aggregate state at Version.
type Snapshot struct {
	ID        uuid.UUID       `json:"snapshot_id"`
	StreamID  string          `json:"stream_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}
