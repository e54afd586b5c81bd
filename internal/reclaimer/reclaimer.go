// Package reclaimer implements the background sweep that guards jobs
// against workers that vanished without reaching a terminal state, and
// garbage-collects expired idempotency keys.
//
// The reclaimer runs as a background goroutine independent of any session
// and respects context cancellation for graceful shutdown. Reclamation
// goes through the same atomic status-write path as every other writer, so
// a worker that heartbeats at the last possible instant loses cleanly: the
// job ends in exactly one terminal state.
package reclaimer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// LeaseExpiredError is the terminal error written to reclaimed jobs.
const LeaseExpiredError = "Job lease expired"

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Reclaimed  int
	KeysPurged int
	Errors     []error
}

// Reclaimer fails stale-lease jobs and purges expired idempotency keys on
// a fixed interval.
type Reclaimer struct {
	store        store.Store
	collector    *metrics.Collector
	interval     time.Duration
	leaseTimeout time.Duration
}

// New creates a reclaimer sweeping on the given interval.
func New(s store.Store, collector *metrics.Collector, interval, leaseTimeout time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reclaimer{
		store:        s,
		collector:    collector,
		interval:     interval,
		leaseTimeout: leaseTimeout,
	}
}

// Start runs the reclaimer in the calling goroutine until ctx is canceled.
func (r *Reclaimer) Start(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("lease_timeout", r.leaseTimeout).
		Msg("Background reclaimer started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run once immediately on startup so jobs orphaned by a crash are
	// reclaimed without waiting a full interval.
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Background reclaimer stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep: stale-lease reclamation, then idempotency GC.
func (r *Reclaimer) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{}

	cutoff := start.Add(-r.leaseTimeout)
	stale, err := r.store.StaleJobs(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Reclaimer: failed to list stale jobs")
		stats.Errors = append(stats.Errors, err)
	}
	for _, job := range stale {
		if r.reclaim(ctx, job, &stats) {
			stats.Reclaimed++
		}
	}

	purged, err := r.store.PurgeExpiredIdempotencyKeys(ctx, start)
	if err != nil {
		log.Warn().Err(err).Msg("Reclaimer: idempotency GC failed")
		stats.Errors = append(stats.Errors, err)
	}
	stats.KeysPurged = purged

	if stats.Reclaimed > 0 || stats.KeysPurged > 0 {
		log.Info().
			Int("reclaimed", stats.Reclaimed).
			Int("keys_purged", stats.KeysPurged).
			Dur("elapsed", time.Since(start)).
			Msg("Reclaimer cycle complete")
	}
	return stats
}

// reclaim force-fails one stale job through the compare-and-set path.
// A conflict means the worker (or a cancel) got there first; that is the
// acceptable narrow window where a very late heartbeat wins.
func (r *Reclaimer) reclaim(ctx context.Context, job models.Job, stats *CycleStats) bool {
	err := r.store.SetStatus(ctx, job.ID, models.JobProcessing, models.JobFailed, nil, LeaseExpiredError)
	if errors.Is(err, store.ErrStatusConflict) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reclaim stale job")
		stats.Errors = append(stats.Errors, err)
		return false
	}

	payload, _ := json.Marshal(map[string]string{
		"status": string(models.JobFailed),
		"error":  LeaseExpiredError,
	})
	if _, err := r.store.AppendEvent(ctx, job.ID, models.EventJobError, payload); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to append lease-expired event")
	}

	r.collector.JobsReclaimed.Inc()
	var staleFor time.Duration
	if job.HeartbeatAt != nil {
		staleFor = time.Since(*job.HeartbeatAt)
	}
	log.Warn().
		Str("job_id", job.ID).
		Dur("stale_for", staleFor).
		Msg("Reclaimed job with expired lease")
	return true
}
