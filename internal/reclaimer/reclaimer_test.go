package reclaimer_test

import (
	"context"
	"testing"
	"time"

	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/reclaimer"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/pkg/models"
)

const lease = time.Minute

func newReclaimer(t *testing.T) (*reclaimer.Reclaimer, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	r := reclaimer.New(st, metrics.NewCollector(), 30*time.Second, lease)
	return r, st
}

// startProcessing creates a job and claims it.
func startProcessing(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, _, err := st.CreateJob(ctx, nil, "", 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.SetStatus(ctx, job.ID, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestReclaimStaleJob(t *testing.T) {
	r, st := newReclaimer(t)
	ctx := context.Background()

	job := startProcessing(t, st)
	if err := st.Heartbeat(ctx, job.ID, time.Now().Add(-2*lease)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	stats := r.RunCycle(ctx)
	if stats.Reclaimed != 1 {
		t.Fatalf("Reclaimed = %d, want 1", stats.Reclaimed)
	}
	if len(stats.Errors) != 0 {
		t.Errorf("Errors = %v, want none", stats.Errors)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed {
		t.Errorf("Status = %q, want %q", got.Status, models.JobFailed)
	}
	if got.Error != reclaimer.LeaseExpiredError {
		t.Errorf("Error = %q, want %q", got.Error, reclaimer.LeaseExpiredError)
	}

	events, _ := st.GetEvents(ctx, job.ID, 0, 0)
	if len(events) != 1 || events[0].Type != models.EventJobError {
		t.Errorf("Expected one %s event, got %v", models.EventJobError, events)
	}
}

func TestHealthyJobNotReclaimed(t *testing.T) {
	r, st := newReclaimer(t)
	ctx := context.Background()

	job := startProcessing(t, st)

	stats := r.RunCycle(ctx)
	if stats.Reclaimed != 0 {
		t.Errorf("Reclaimed = %d, want 0", stats.Reclaimed)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.JobProcessing {
		t.Errorf("Status = %q, want %q", got.Status, models.JobProcessing)
	}
}

func TestTerminalJobNeverReclaimed(t *testing.T) {
	r, st := newReclaimer(t)
	ctx := context.Background()

	job := startProcessing(t, st)
	if err := st.Heartbeat(ctx, job.ID, time.Now().Add(-2*lease)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	// The worker finishes between the stale scan and the reclaim write in
	// real deployments; here it finishes before the cycle entirely.
	if err := st.SetStatus(ctx, job.ID, models.JobProcessing, models.JobCompleted, nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats := r.RunCycle(ctx)
	if stats.Reclaimed != 0 {
		t.Errorf("Reclaimed = %d, want 0", stats.Reclaimed)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("Status = %q, reclaim must never undo a terminal state", got.Status)
	}
}

func TestCyclePurgesExpiredIdempotencyKeys(t *testing.T) {
	r, st := newReclaimer(t)
	ctx := context.Background()

	if _, _, err := st.CreateJob(ctx, nil, "stale-key", 10*time.Millisecond); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	stats := r.RunCycle(ctx)
	if stats.KeysPurged != 1 {
		t.Errorf("KeysPurged = %d, want 1", stats.KeysPurged)
	}

	// The key is reusable after the purge.
	_, created, err := st.CreateJob(ctx, nil, "stale-key", time.Hour)
	if err != nil {
		t.Fatalf("CreateJob after purge: %v", err)
	}
	if !created {
		t.Error("Purged key should mint a fresh job")
	}
}
