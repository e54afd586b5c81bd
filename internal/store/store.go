// Package store provides the persistence interface and implementations for
// the Inquiry orchestrator. The in-memory store is the zero-config default;
// the SQLite store survives restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inquirylabs/inquiry/pkg/models"
)

// Store is the job persistence contract. It is the only resource shared
// across sessions, the lifecycle manager, and the reclaimer: implementations
// must serialize conflicting writes (status transitions, idempotency-key
// consumption) while allowing unlimited concurrent reads.
type Store interface {
	// CreateJob inserts a new queued job. If idempotencyKey is non-empty
	// and an unexpired job already carries it, that job is returned
	// unchanged with created=false — the idempotent replay path, not an
	// error. ttl sets the key's expiry window.
	CreateJob(ctx context.Context, params json.RawMessage, idempotencyKey string, ttl time.Duration) (*models.Job, bool, error)

	// AppendEvent assigns the next event ID for the job and persists the
	// event. IDs are gap-free and monotonic per job, even under
	// concurrent writers.
	AppendEvent(ctx context.Context, jobID, eventType string, payload json.RawMessage) (int64, error)

	// GetEvents returns events with ID > afterID, ascending, at most limit.
	GetEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]models.JobEvent, error)

	// GetJob returns the job or *ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// SetStatus transitions the job from "from" to "to" atomically
	// (compare-and-set). Result or errMsg are recorded on terminal
	// transitions. Returns ErrStatusConflict when the current status no
	// longer matches "from" — the losing side of a write race.
	SetStatus(ctx context.Context, jobID string, from, to models.JobStatus, result json.RawMessage, errMsg string) error

	// Heartbeat stamps heartbeat_at for a processing job. A job no longer
	// processing returns ErrStatusConflict.
	Heartbeat(ctx context.Context, jobID string, at time.Time) error

	// ListJobsByStatus returns jobs in the given status, oldest first.
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)

	// StaleJobs returns processing jobs whose heartbeat is older than the
	// cutoff.
	StaleJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)

	// PurgeExpiredIdempotencyKeys removes idempotency metadata past its
	// expiry. The job records themselves are untouched. Returns the
	// number of keys purged.
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ErrStatusConflict signals a compare-and-set status write that lost the
// race: the job's current status no longer matches the expected one.
var ErrStatusConflict = errors.New("job status conflict")

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
