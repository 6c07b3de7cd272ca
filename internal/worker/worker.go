package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/weave-vtt/backend/internal/campaign"
	"github.com/weave-vtt/backend/internal/eventstore"
	"github.com/weave-vtt/backend/pkg/queue"
)

// ErrUnknownJob is returned by Process for job types it does not handle.
var ErrUnknownJob = errors.New("unknown job type")

// JobQueue is the part of the Redis queue the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archiver copies a snapshot to long-term storage and returns its key.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, streamID string, version int64, state []byte) (string, error)
}

// SnapshotCompactor rebuilds a stream's state and writes a snapshot at its head so the next
// rehydration replays nothing. Archive is optional.
type SnapshotCompactor struct {
	store   eventstore.Store
	archive Archiver
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewSnapshotCompactor creates a compaction worker. archive may be nil.
func NewSnapshotCompactor(store eventstore.Store, archive Archiver, q JobQueue, logger *zap.Logger) *SnapshotCompactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCompactor{store: store, archive: archive, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one compaction job.
func (p *SnapshotCompactor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSnapshotCompact {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Type)
	}
	var payload queue.SnapshotCompactPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.StreamID == "" {
		return errors.New("payload missing stream_id")
	}
	return p.Compact(ctx, payload.StreamID)
}

// Compact snapshots streamID at its current version. A stream already snapshotted at its head
// is only archived.
func (p *SnapshotCompactor) Compact(ctx context.Context, streamID string) error {
	r, err := p.store.LoadForRehydrate(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if r.CurrentVersion == 0 {
		p.logger.Debug("empty stream, nothing to compact", zap.String("stream_id", streamID))
		return nil
	}
	st, err := campaign.Rehydrate(r.Snapshot, r.Tail)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if st.Version != r.CurrentVersion {
		return fmt.Errorf("rehydrated v%d, stream is at v%d", st.Version, r.CurrentVersion)
	}
	body, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if st.Version > r.BaseVersion() {
		if err := p.store.SaveSnapshot(ctx, streamID, st.Version, body); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	log := p.logger.With(zap.String("stream_id", streamID), zap.Int64("version", st.Version))
	if p.archive != nil {
		key, err := p.archive.ArchiveSnapshot(ctx, streamID, st.Version, body)
		if err != nil {
			return fmt.Errorf("archive snapshot: %w", err)
		}
		log = log.With(zap.String("s3_key", key))
	}
	log.Info("snapshot compacted", zap.Int("replayed", len(r.Tail)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SnapshotCompactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("snapshot worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if errors.Is(err, ErrUnknownJob) {
				continue
			}
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *SnapshotCompactor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
