// Package jobs implements the job lifecycle manager: it owns status
// transitions, heartbeats running jobs, and delegates the actual work to
// the injected WorkHandler.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/pkg/contracts"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// Manager dispatches queued jobs to the work handler and keeps their
// leases alive while they run.
type Manager struct {
	store     store.Store
	handler   contracts.WorkHandler
	collector *metrics.Collector

	leaseTimeout      time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc // key: job ID

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewManager creates a lifecycle manager. The heartbeat interval is clamped
// below a third of the lease timeout so at least two heartbeats land inside
// every lease window.
func NewManager(ctx context.Context, s store.Store, handler contracts.WorkHandler, collector *metrics.Collector, leaseTimeout, heartbeatInterval time.Duration) *Manager {
	if maxInterval := leaseTimeout / 3; heartbeatInterval >= maxInterval {
		log.Warn().
			Dur("configured", heartbeatInterval).
			Dur("clamped", maxInterval/2).
			Msg("Heartbeat interval too close to lease timeout, clamping")
		heartbeatInterval = maxInterval / 2
	}
	return &Manager{
		store:             s,
		handler:           handler,
		collector:         collector,
		leaseTimeout:      leaseTimeout,
		heartbeatInterval: heartbeatInterval,
		running:           make(map[string]context.CancelFunc),
		baseCtx:           ctx,
	}
}

// Create persists a new job (idempotent on key) and, when the job is fresh,
// dispatches it immediately. Replays return the existing job untouched.
func (m *Manager) Create(ctx context.Context, params json.RawMessage, idempotencyKey string, ttl time.Duration) (*models.Job, error) {
	job, created, err := m.store.CreateJob(ctx, params, idempotencyKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		m.collector.JobsReplayed.Inc()
		log.Debug().Str("job_id", job.ID).Str("key", idempotencyKey).Msg("Idempotent job replay")
		return job, nil
	}

	m.collector.JobsCreated.Inc()
	if err := m.Dispatch(job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// Dispatch claims a queued job and runs it in the background.
func (m *Manager) Dispatch(jobID string) error {
	err := m.store.SetStatus(m.baseCtx, jobID, models.JobQueued, models.JobProcessing, nil, "")
	if errors.Is(err, store.ErrStatusConflict) {
		// Someone else claimed it; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.running[jobID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx, jobID)
	return nil
}

// run executes the work handler and finalizes the job. Runs in its own
// goroutine, one per active job.
func (m *Manager) run(ctx context.Context, jobID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.running[jobID]; ok {
			cancel()
			delete(m.running, jobID)
		}
		m.mu.Unlock()
	}()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Dispatched job vanished from store")
		return
	}

	stopHeartbeat := m.startHeartbeat(ctx, jobID)
	defer stopHeartbeat()

	onProgress := func(ctx context.Context, eventType string, payload json.RawMessage) (int64, error) {
		return m.store.AppendEvent(ctx, jobID, eventType, payload)
	}

	start := time.Now()
	result, runErr := m.handler.Run(ctx, job.Params, onProgress)
	stopHeartbeat()

	switch {
	case ctx.Err() != nil:
		// Canceled (or server shutdown): Cancel already wrote the
		// terminal status; nothing to finalize here.
		log.Info().Str("job_id", jobID).Msg("Job run stopped by cancellation")

	case runErr != nil:
		m.finalize(jobID, models.JobFailed, nil, runErr.Error(), models.EventJobError)
		m.collector.JobsFailed.Inc()
		log.Warn().Err(runErr).
			Str("job_id", jobID).
			Dur("elapsed", time.Since(start)).
			Msg("Job failed")

	default:
		m.finalize(jobID, models.JobCompleted, result, "", models.EventJobCompleted)
		m.collector.JobsCompleted.Inc()
		log.Info().
			Str("job_id", jobID).
			Dur("elapsed", time.Since(start)).
			Msg("Job completed")
	}
}

// finalize writes the terminal status and the matching terminal event. A
// CAS conflict means another writer (cancel or the reclaimer) finished the
// job first; the losing write is dropped on the floor by design of the
// single-writer-wins rule.
func (m *Manager) finalize(jobID string, status models.JobStatus, result json.RawMessage, errMsg, eventType string) {
	err := m.store.SetStatus(m.baseCtx, jobID, models.JobProcessing, status, result, errMsg)
	if errors.Is(err, store.ErrStatusConflict) {
		log.Debug().Str("job_id", jobID).Str("status", string(status)).Msg("Terminal status write lost the race")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize job")
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"status": status,
		"error":  errMsg,
	})
	if _, err := m.store.AppendEvent(m.baseCtx, jobID, eventType, payload); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append terminal event")
	}
}

// startHeartbeat renews the job's lease until the returned stop function is
// called. Stop is idempotent.
func (m *Manager) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := m.store.Heartbeat(ctx, jobID, time.Now())
				if errors.Is(err, store.ErrStatusConflict) {
					// Job reached a terminal state under us; the lease
					// no longer matters.
					return
				}
				if err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat failed")
				}
			}
		}
	}()
	return stop
}

// Cancel transitions a job to canceled and stops its worker. A job already
// terminal is a no-op, not an error.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	from := job.Status // queued or processing
	err = m.store.SetStatus(ctx, jobID, from, models.JobCanceled, nil, "canceled")
	if errors.Is(err, store.ErrStatusConflict) {
		// Lost the race; whoever won decided the terminal state.
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"status": string(models.JobCanceled)})
	if _, err := m.store.AppendEvent(ctx, jobID, models.EventJobCanceled, payload); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append cancel event")
	}

	m.collector.JobsCanceled.Inc()
	log.Info().Str("job_id", jobID).Msg("Job canceled")
	return nil
}

// Shutdown cancels all running jobs and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
