package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Repository is the PostgreSQL-backed Store (tables streams, events, snapshots).
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an event store repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CurrentVersion returns the highest event version of the stream, or 0.
func (r *Repository) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	v, err := currentVersion(ctx, r.pool, streamID)
	if err != nil {
		return 0, persistErr("current version", err)
	}
	return v, nil
}

func currentVersion(ctx context.Context, q querier, streamID string) (int64, error) {
	const sql = `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`
	var v int64
	if err := q.QueryRow(ctx, sql, streamID).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Append inserts one event at current+1 in a single transaction. The per-stream advisory
// lock serializes writers; the unique (stream_id, version) constraint backs it up.
// READ COMMITTED takes a fresh snapshot per statement, so the version read after the lock
// sees every append committed while this one waited.
func (r *Repository) Append(ctx context.Context, streamID, eventType string, payload json.RawMessage, opts AppendOptions) (int64, error) {
	if eventType == "" {
		return 0, persistErr("append", errors.New("event type is required"))
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, persistErr("append", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, streamID); err != nil {
		return 0, persistErr("append", fmt.Errorf("lock stream: %w", err))
	}
	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return 0, persistErr("append", fmt.Errorf("read version: %w", err))
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
		return 0, &ConflictError{StreamID: streamID, Expected: *opts.ExpectedVersion, Actual: current}
	}
	next := current + 1

	const q = `INSERT INTO events (event_id, stream_id, version, type, payload, correlation_id)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, q, streamID, next, eventType, []byte(normalizePayload(payload)), opts.CorrelationID); err != nil {
		if isUniqueViolation(err) {
			return 0, &ConflictError{StreamID: streamID, Expected: current, Actual: next}
		}
		return 0, persistErr("append", fmt.Errorf("insert event: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return 0, &ConflictError{StreamID: streamID, Expected: current, Actual: next}
		}
		return 0, persistErr("append", fmt.Errorf("commit: %w", err))
	}
	r.logger.Debug("event appended", zap.String("stream_id", streamID), zap.String("type", eventType), zap.Int64("version", next))
	return next, nil
}

// EventsAfter returns up to limit events with version > afterVersion, ascending.
func (r *Repository) EventsAfter(ctx context.Context, streamID string, afterVersion int64, limit int) ([]models.Event, error) {
	list, err := eventsAfter(ctx, r.pool, streamID, afterVersion, normalizeLimit(limit))
	if err != nil {
		return nil, persistErr("events after", err)
	}
	return list, nil
}

func eventsAfter(ctx context.Context, q querier, streamID string, afterVersion int64, limit int) ([]models.Event, error) {
	const sql = `SELECT event_id, stream_id, version, type, payload, correlation_id, created_at
		FROM events WHERE stream_id = $1 AND version > $2 ORDER BY version ASC LIMIT $3`
	rows, err := q.Query(ctx, sql, streamID, afterVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Event
	for rows.Next() {
		var e models.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Version, &e.Type, &payload, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		list = append(list, e)
	}
	return list, rows.Err()
}

// LatestSnapshot returns the highest-version snapshot, or nil.
func (r *Repository) LatestSnapshot(ctx context.Context, streamID string) (*models.Snapshot, error) {
	s, err := latestSnapshot(ctx, r.pool, streamID)
	if err != nil {
		return nil, persistErr("latest snapshot", err)
	}
	return s, nil
}

func latestSnapshot(ctx context.Context, q querier, streamID string) (*models.Snapshot, error) {
	const sql = `SELECT snapshot_id, stream_id, version, state, created_at
		FROM snapshots WHERE stream_id = $1 ORDER BY version DESC LIMIT 1`
	var s models.Snapshot
	var state []byte
	err := q.QueryRow(ctx, sql, streamID).Scan(&s.ID, &s.StreamID, &s.Version, &state, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.State = state
	return &s, nil
}

// SaveSnapshot upserts the snapshot keyed by (stream_id, version).
func (r *Repository) SaveSnapshot(ctx context.Context, streamID string, version int64, state json.RawMessage) error {
	const q = `INSERT INTO snapshots (snapshot_id, stream_id, version, state)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT (stream_id, version)
		DO UPDATE SET state = EXCLUDED.state, created_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, streamID, version, []byte(normalizePayload(state))); err != nil {
		return persistErr("save snapshot", err)
	}
	r.logger.Debug("snapshot saved", zap.String("stream_id", streamID), zap.Int64("version", version))
	return nil
}

// EnsureStream creates the stream row if it does not exist.
func (r *Repository) EnsureStream(ctx context.Context, streamID, streamType string) error {
	const q = `INSERT INTO streams (stream_id, stream_type) VALUES ($1, $2)
		ON CONFLICT (stream_id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, q, streamID, streamType); err != nil {
		return persistErr("ensure stream", err)
	}
	return nil
}

// LoadForRehydrate reads the latest snapshot, the current version and the tail in one
// REPEATABLE READ transaction, so the tail ends exactly at the reported current version.
func (r *Repository) LoadForRehydrate(ctx context.Context, streamID string) (*Rehydration, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, persistErr("load for rehydrate", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap, err := latestSnapshot(ctx, tx, streamID)
	if err != nil {
		return nil, persistErr("load for rehydrate", fmt.Errorf("snapshot: %w", err))
	}
	current, err := currentVersion(ctx, tx, streamID)
	if err != nil {
		return nil, persistErr("load for rehydrate", fmt.Errorf("version: %w", err))
	}
	out := &Rehydration{Snapshot: snap, CurrentVersion: current}
	after := out.BaseVersion()
	for after < current {
		page, err := eventsAfter(ctx, tx, streamID, after, DefaultPageLimit)
		if err != nil {
			return nil, persistErr("load for rehydrate", fmt.Errorf("tail: %w", err))
		}
		if len(page) == 0 {
			break
		}
		out.Tail = append(out.Tail, page...)
		after = page[len(page)-1].Version
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, persistErr("load for rehydrate", fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
