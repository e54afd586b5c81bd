package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// backends runs a test against both store implementations.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestCreateAndGetJob(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		params := json.RawMessage(`{"query":"quantum error correction"}`)

		job, created, err := s.CreateJob(ctx, params, "", 0)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if !created {
			t.Error("Expected created=true for a fresh job")
		}
		if job.ID == "" {
			t.Error("Expected a job ID")
		}
		if job.Status != models.JobQueued {
			t.Errorf("Status = %q, want %q", job.Status, models.JobQueued)
		}

		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.ID != job.ID {
			t.Errorf("GetJob ID = %q, want %q", got.ID, job.ID)
		}
		if string(got.Params) != string(params) {
			t.Errorf("Params = %s, want %s", got.Params, params)
		}
	})
}

func TestGetJobNotFound(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), "no-such-job")
		if !store.IsNotFound(err) {
			t.Errorf("Expected not-found error, got %v", err)
		}
	})
}

func TestIdempotentReplay(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		first, created, err := s.CreateJob(ctx, json.RawMessage(`{}`), "key-1", time.Hour)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if !created {
			t.Fatal("First create should be fresh")
		}

		replay, created, err := s.CreateJob(ctx, json.RawMessage(`{"ignored":true}`), "key-1", time.Hour)
		if err != nil {
			t.Fatalf("Replay CreateJob: %v", err)
		}
		if created {
			t.Error("Replay should report created=false")
		}
		if replay.ID != first.ID {
			t.Errorf("Replay ID = %q, want %q", replay.ID, first.ID)
		}

		// A different key mints a different job.
		other, created, err := s.CreateJob(ctx, json.RawMessage(`{}`), "key-2", time.Hour)
		if err != nil {
			t.Fatalf("CreateJob key-2: %v", err)
		}
		if !created || other.ID == first.ID {
			t.Error("Different key should mint a fresh job")
		}
	})
}

func TestIdempotencyKeyExpiry(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		first, _, err := s.CreateJob(ctx, json.RawMessage(`{}`), "short-key", 20*time.Millisecond)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		time.Sleep(40 * time.Millisecond)

		fresh, created, err := s.CreateJob(ctx, json.RawMessage(`{}`), "short-key", time.Hour)
		if err != nil {
			t.Fatalf("CreateJob after expiry: %v", err)
		}
		if !created {
			t.Error("Expired key should mint a fresh job")
		}
		if fresh.ID == first.ID {
			t.Error("Fresh job should have a new ID")
		}

		// The original job survives the key expiring.
		if _, err := s.GetJob(ctx, first.ID); err != nil {
			t.Errorf("Original job should still exist: %v", err)
		}
	})
}

func TestAppendEventSequence(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _, err := s.CreateJob(ctx, nil, "", 0)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		for i := 1; i <= 5; i++ {
			id, err := s.AppendEvent(ctx, job.ID, "research.progress", json.RawMessage(`{}`))
			if err != nil {
				t.Fatalf("AppendEvent %d: %v", i, err)
			}
			if id != int64(i) {
				t.Errorf("Event ID = %d, want %d", id, i)
			}
		}

		events, err := s.GetEvents(ctx, job.ID, 0, 0)
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("len(events) = %d, want 5", len(events))
		}
		for i, ev := range events {
			if ev.ID != int64(i+1) {
				t.Errorf("events[%d].ID = %d, want %d", i, ev.ID, i+1)
			}
			if ev.JobID != job.ID {
				t.Errorf("events[%d].JobID = %q, want %q", i, ev.JobID, job.ID)
			}
		}
	})
}

func TestAppendEventUnknownJob(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.AppendEvent(context.Background(), "no-such-job", "x", nil)
		if !store.IsNotFound(err) {
			t.Errorf("Expected not-found error, got %v", err)
		}
	})
}

func TestGetEventsCursorAndLimit(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _, _ := s.CreateJob(ctx, nil, "", 0)
		for i := 0; i < 10; i++ {
			if _, err := s.AppendEvent(ctx, job.ID, "research.progress", nil); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
		}

		events, err := s.GetEvents(ctx, job.ID, 4, 3)
		if err != nil {
			t.Fatalf("GetEvents: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(events))
		}
		for i, want := range []int64{5, 6, 7} {
			if events[i].ID != want {
				t.Errorf("events[%d].ID = %d, want %d", i, events[i].ID, want)
			}
		}

		// Cursor past the end returns nothing.
		events, err = s.GetEvents(ctx, job.ID, 10, 0)
		if err != nil {
			t.Fatalf("GetEvents past end: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("len(events) = %d, want 0", len(events))
		}
	})
}

func TestSetStatusCAS(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _, _ := s.CreateJob(ctx, nil, "", 0)

		if err := s.SetStatus(ctx, job.ID, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
			t.Fatalf("queued->processing: %v", err)
		}

		// Claiming again from queued must conflict.
		err := s.SetStatus(ctx, job.ID, models.JobQueued, models.JobProcessing, nil, "")
		if err != store.ErrStatusConflict {
			t.Errorf("Second claim: err = %v, want ErrStatusConflict", err)
		}

		result := json.RawMessage(`{"summary":"done"}`)
		if err := s.SetStatus(ctx, job.ID, models.JobProcessing, models.JobCompleted, result, ""); err != nil {
			t.Fatalf("processing->completed: %v", err)
		}

		// A terminal job never transitions again.
		err = s.SetStatus(ctx, job.ID, models.JobProcessing, models.JobFailed, nil, "late")
		if err != store.ErrStatusConflict {
			t.Errorf("Write after terminal: err = %v, want ErrStatusConflict", err)
		}

		got, _ := s.GetJob(ctx, job.ID)
		if got.Status != models.JobCompleted {
			t.Errorf("Status = %q, want %q", got.Status, models.JobCompleted)
		}
		if string(got.Result) != string(result) {
			t.Errorf("Result = %s, want %s", got.Result, result)
		}
		if got.FinishedAt == nil {
			t.Error("FinishedAt should be set on a terminal job")
		}
	})
}

func TestHeartbeat(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _, _ := s.CreateJob(ctx, nil, "", 0)

		// Heartbeating a queued job is a conflict.
		if err := s.Heartbeat(ctx, job.ID, time.Now()); err != store.ErrStatusConflict {
			t.Errorf("Heartbeat on queued: err = %v, want ErrStatusConflict", err)
		}

		if err := s.SetStatus(ctx, job.ID, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
			t.Fatalf("claim: %v", err)
		}

		at := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		if err := s.Heartbeat(ctx, job.ID, at); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}

		got, _ := s.GetJob(ctx, job.ID)
		if got.HeartbeatAt == nil {
			t.Fatal("HeartbeatAt should be set")
		}
		if !got.HeartbeatAt.Equal(at) {
			t.Errorf("HeartbeatAt = %v, want %v", got.HeartbeatAt, at)
		}
	})
}

func TestStaleJobs(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		stale, _, _ := s.CreateJob(ctx, nil, "", 0)
		fresh, _, _ := s.CreateJob(ctx, nil, "", 0)
		queued, _, _ := s.CreateJob(ctx, nil, "", 0)
		_ = queued

		for _, id := range []string{stale.ID, fresh.ID} {
			if err := s.SetStatus(ctx, id, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
				t.Fatalf("claim %s: %v", id, err)
			}
		}
		if err := s.Heartbeat(ctx, stale.ID, time.Now().Add(-5*time.Minute)); err != nil {
			t.Fatalf("backdate heartbeat: %v", err)
		}

		got, err := s.StaleJobs(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("StaleJobs: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len(stale) = %d, want 1", len(got))
		}
		if got[0].ID != stale.ID {
			t.Errorf("Stale job = %q, want %q", got[0].ID, stale.ID)
		}
	})
}

func TestStaleJobsSubSecondCutoff(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		job, _, _ := s.CreateJob(ctx, nil, "", 0)
		if err := s.SetStatus(ctx, job.ID, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
			t.Fatalf("claim: %v", err)
		}

		// A whole-second heartbeat against a fractional cutoff just after
		// it: chronological order must decide, not string order.
		base := time.Now().Add(-time.Minute).Truncate(time.Second)
		if err := s.Heartbeat(ctx, job.ID, base); err != nil {
			t.Fatalf("backdate heartbeat: %v", err)
		}

		got, err := s.StaleJobs(ctx, base.Add(500*time.Millisecond))
		if err != nil {
			t.Fatalf("StaleJobs: %v", err)
		}
		if len(got) != 1 || got[0].ID != job.ID {
			t.Fatalf("stale = %v, want exactly %q", jobIDs(got), job.ID)
		}

		// The reverse: a fractional heartbeat is not stale against a
		// whole-second cutoff that precedes it.
		if err := s.Heartbeat(ctx, job.ID, base.Add(500*time.Millisecond)); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		got, err = s.StaleJobs(ctx, base)
		if err != nil {
			t.Fatalf("StaleJobs: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("stale = %v, want none", jobIDs(got))
		}
	})
}

func TestListJobsByStatus(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		a, _, _ := s.CreateJob(ctx, nil, "", 0)
		b, _, _ := s.CreateJob(ctx, nil, "", 0)
		if err := s.SetStatus(ctx, b.ID, models.JobQueued, models.JobProcessing, nil, ""); err != nil {
			t.Fatalf("claim: %v", err)
		}

		queued, err := s.ListJobsByStatus(ctx, models.JobQueued, 10)
		if err != nil {
			t.Fatalf("ListJobsByStatus: %v", err)
		}
		if len(queued) != 1 || queued[0].ID != a.ID {
			t.Errorf("Queued jobs = %v, want just %q", jobIDs(queued), a.ID)
		}

		processing, err := s.ListJobsByStatus(ctx, models.JobProcessing, 10)
		if err != nil {
			t.Fatalf("ListJobsByStatus: %v", err)
		}
		if len(processing) != 1 || processing[0].ID != b.ID {
			t.Errorf("Processing jobs = %v, want just %q", jobIDs(processing), b.ID)
		}
	})
}

func TestPurgeExpiredIdempotencyKeys(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		expired, _, _ := s.CreateJob(ctx, nil, "old-key", 10*time.Millisecond)
		_, _, _ = s.CreateJob(ctx, nil, "live-key", time.Hour)

		time.Sleep(30 * time.Millisecond)

		purged, err := s.PurgeExpiredIdempotencyKeys(ctx, time.Now())
		if err != nil {
			t.Fatalf("PurgeExpiredIdempotencyKeys: %v", err)
		}
		if purged != 1 {
			t.Errorf("purged = %d, want 1", purged)
		}

		// The job itself is untouched; only the key metadata is gone.
		got, err := s.GetJob(ctx, expired.ID)
		if err != nil {
			t.Fatalf("GetJob after purge: %v", err)
		}
		if got.IdempotencyKey != "" {
			t.Errorf("IdempotencyKey = %q, want cleared", got.IdempotencyKey)
		}

		// The live key still replays.
		_, created, err := s.CreateJob(ctx, nil, "live-key", time.Hour)
		if err != nil {
			t.Fatalf("Replay live-key: %v", err)
		}
		if created {
			t.Error("Live key should still replay")
		}
	})
}

func jobIDs(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
