// Package store — in-memory Store implementation.
// Used for zero-config local runs and as the test backend.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inquirylabs/inquiry/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*models.Job        // key: job ID
	events map[string][]models.JobEvent  // key: job ID, ordered by event ID
	seq    map[string]int64              // key: job ID → last assigned event ID
	idem   map[string]string             // key: idempotency key → job ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.Job),
		events: make(map[string][]models.JobEvent),
		seq:    make(map[string]int64),
		idem:   make(map[string]string),
	}
}

// CreateJob inserts a queued job, or replays an existing one when an
// unexpired idempotency key matches.
func (m *MemoryStore) CreateJob(_ context.Context, params json.RawMessage, idempotencyKey string, ttl time.Duration) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	if idempotencyKey != "" {
		if jobID, ok := m.idem[idempotencyKey]; ok {
			if existing, ok := m.jobs[jobID]; ok {
				if existing.IdempotencyExpiresAt == nil || existing.IdempotencyExpiresAt.After(now) {
					cp := *existing
					return &cp, false, nil
				}
				// Expired key: fall through and mint a fresh job.
				delete(m.idem, idempotencyKey)
				existing.IdempotencyKey = ""
				existing.IdempotencyExpiresAt = nil
			}
		}
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobQueued,
		Params:    params,
		CreatedAt: now,
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = idempotencyKey
		if ttl > 0 {
			exp := now.Add(ttl)
			job.IdempotencyExpiresAt = &exp
		}
		m.idem[idempotencyKey] = job.ID
	}
	m.jobs[job.ID] = job

	cp := *job
	return &cp, true, nil
}

// AppendEvent assigns the next per-job sequence number under the store lock,
// which keeps IDs gap-free even with concurrent writers.
func (m *MemoryStore) AppendEvent(_ context.Context, jobID, eventType string, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return 0, &ErrNotFound{Entity: "job", Key: jobID}
	}

	next := m.seq[jobID] + 1
	m.seq[jobID] = next
	m.events[jobID] = append(m.events[jobID], models.JobEvent{
		ID:        next,
		JobID:     jobID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	return next, nil
}

// GetEvents returns events with ID > afterID, ascending, capped at limit.
func (m *MemoryStore) GetEvents(_ context.Context, jobID string, afterID int64, limit int) ([]models.JobEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, &ErrNotFound{Entity: "job", Key: jobID}
	}

	evs := m.events[jobID]
	// Events are stored in ID order; binary-search the cursor.
	start := sort.Search(len(evs), func(i int) bool { return evs[i].ID > afterID })
	if start >= len(evs) {
		return nil, nil
	}
	end := len(evs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.JobEvent, end-start)
	copy(out, evs[start:end])
	return out, nil
}

// GetJob returns a copy of the job.
func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: jobID}
	}
	cp := *job
	return &cp, nil
}

// SetStatus performs the compare-and-set transition under the store lock.
func (m *MemoryStore) SetStatus(_ context.Context, jobID string, from, to models.JobStatus, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return &ErrNotFound{Entity: "job", Key: jobID}
	}
	if job.Status != from {
		return ErrStatusConflict
	}

	now := time.Now().UTC()
	job.Status = to
	switch {
	case to == models.JobProcessing:
		job.StartedAt = &now
		job.HeartbeatAt = &now
	case to.Terminal():
		job.FinishedAt = &now
		job.Result = result
		job.Error = errMsg
	}
	return nil
}

// Heartbeat stamps heartbeat_at for a processing job.
func (m *MemoryStore) Heartbeat(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return &ErrNotFound{Entity: "job", Key: jobID}
	}
	if job.Status != models.JobProcessing {
		return ErrStatusConflict
	}
	t := at.UTC()
	job.HeartbeatAt = &t
	return nil
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (m *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StaleJobs returns processing jobs whose heartbeat is older than cutoff.
func (m *MemoryStore) StaleJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Job
	for _, job := range m.jobs {
		if job.Status != models.JobProcessing {
			continue
		}
		if job.HeartbeatAt == nil || job.HeartbeatAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PurgeExpiredIdempotencyKeys drops expired key metadata; jobs stay intact.
func (m *MemoryStore) PurgeExpiredIdempotencyKeys(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, jobID := range m.idem {
		job, ok := m.jobs[jobID]
		if !ok {
			delete(m.idem, key)
			purged++
			continue
		}
		if job.IdempotencyExpiresAt != nil && !job.IdempotencyExpiresAt.After(now) {
			delete(m.idem, key)
			job.IdempotencyKey = ""
			job.IdempotencyExpiresAt = nil
			purged++
		}
	}
	return purged, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
