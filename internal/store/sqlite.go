// Package store — SQLite-backed Store implementation.
//
// Uses the pure-Go modernc.org/sqlite driver over database/sql so the
// orchestrator stays CGO-free. Jobs and their event logs survive restarts;
// the per-job event sequence lives on the job row and is advanced inside
// the same transaction that inserts the event, which keeps event IDs
// gap-free under concurrent writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/inquirylabs/inquiry/pkg/models"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// runs the schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id                     TEXT PRIMARY KEY,
		status                 TEXT NOT NULL,
		params                 BLOB,
		idempotency_key        TEXT,
		idempotency_expires_at TEXT,
		result                 BLOB,
		error                  TEXT NOT NULL DEFAULT '',
		event_seq              INTEGER NOT NULL DEFAULT 0,
		heartbeat_at           TEXT,
		started_at             TEXT,
		finished_at            TEXT,
		created_at             TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_events (
		job_id    TEXT NOT NULL,
		id        INTEGER NOT NULL,
		type      TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload   BLOB,
		PRIMARY KEY (job_id, id),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so the SQL string comparisons on heartbeat_at
// and idempotency_expires_at match chronological order. RFC3339Nano drops
// trailing fraction zeros, which sorts "…:00.5Z" before "…:00Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// CreateJob inserts a queued job, replaying an existing one when an
// unexpired idempotency key matches.
func (s *SQLiteStore) CreateJob(ctx context.Context, params json.RawMessage, idempotencyKey string, ttl time.Duration) (*models.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if idempotencyKey != "" {
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE idempotency_key = ?
			  AND (idempotency_expires_at IS NULL OR idempotency_expires_at > ?)`,
			idempotencyKey, fmtTime(now))
		var existingID string
		switch err := row.Scan(&existingID); {
		case err == nil:
			job, err := s.getJobTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return job, false, tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// No live key holder; clear any expired claim so the partial
			// index stays unambiguous.
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET idempotency_key = NULL, idempotency_expires_at = NULL WHERE idempotency_key = ?`,
				idempotencyKey); err != nil {
				return nil, false, fmt.Errorf("clear expired idempotency key: %w", err)
			}
		default:
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobQueued,
		Params:    params,
		CreatedAt: now,
	}
	var keyCol, expCol interface{}
	if idempotencyKey != "" {
		job.IdempotencyKey = idempotencyKey
		keyCol = idempotencyKey
		if ttl > 0 {
			exp := now.Add(ttl)
			job.IdempotencyExpiresAt = &exp
			expCol = fmtTime(exp)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, params, idempotency_key, idempotency_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), []byte(params), keyCol, expCol, fmtTime(now)); err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	return job, true, tx.Commit()
}

// AppendEvent advances the job's sequence and inserts the event in one
// transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID, eventType string, payload json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`UPDATE jobs SET event_seq = event_seq + 1 WHERE id = ? RETURNING event_seq`,
		jobID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &ErrNotFound{Entity: "job", Key: jobID}
	}
	if err != nil {
		return 0, fmt.Errorf("advance event seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, id, type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, next, eventType, fmtTime(time.Now()), []byte(payload)); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return next, tx.Commit()
}

// GetEvents returns events with ID > afterID in ascending order.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, timestamp, payload FROM job_events
		WHERE job_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`,
		jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var (
			ev      models.JobEvent
			ts      string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.JobID = jobID
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetJob returns the job or *ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.getJobQ(ctx, s.db, jobID)
}

func (s *SQLiteStore) getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*models.Job, error) {
	return s.getJobQ(ctx, tx, jobID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) getJobQ(ctx context.Context, q querier, jobID string) (*models.Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, status, params, idempotency_key, idempotency_expires_at,
		       result, error, heartbeat_at, started_at, finished_at, created_at
		FROM jobs WHERE id = ?`, jobID)

	var (
		job            models.Job
		status         string
		params, result []byte
		idemKey        sql.NullString
		idemExp        sql.NullString
		hb, st, fin    sql.NullString
		created        string
	)
	err := row.Scan(&job.ID, &status, &params, &idemKey, &idemExp,
		&result, &job.Error, &hb, &st, &fin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "job", Key: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.Params = params
	job.Result = result
	if idemKey.Valid {
		job.IdempotencyKey = idemKey.String
	}
	job.IdempotencyExpiresAt = parseTimePtr(idemExp)
	job.HeartbeatAt = parseTimePtr(hb)
	job.StartedAt = parseTimePtr(st)
	job.FinishedAt = parseTimePtr(fin)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	return &job, nil
}

// SetStatus performs the compare-and-set transition in a single UPDATE.
func (s *SQLiteStore) SetStatus(ctx context.Context, jobID string, from, to models.JobStatus, result json.RawMessage, errMsg string) error {
	now := fmtTime(time.Now())

	var (
		res sql.Result
		err error
	)
	switch {
	case to == models.JobProcessing:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ?, heartbeat_at = ?
			WHERE id = ? AND status = ?`,
			string(to), now, now, jobID, string(from))
	case to.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, result = ?, error = ?, finished_at = ?
			WHERE id = ? AND status = ?`,
			string(to), []byte(result), errMsg, now, jobID, string(from))
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			string(to), jobID, string(from))
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// Heartbeat stamps heartbeat_at while the job is still processing.
func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		fmtTime(at), jobID, string(models.JobProcessing))
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	return s.collectJobs(ctx, rows)
}

// StaleJobs returns processing jobs whose heartbeat is older than cutoff.
func (s *SQLiteStore) StaleJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC`,
		string(models.JobProcessing), fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return s.collectJobs(ctx, rows)
}

func (s *SQLiteStore) collectJobs(ctx context.Context, rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

// PurgeExpiredIdempotencyKeys clears expired key metadata; jobs stay intact.
func (s *SQLiteStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET idempotency_key = NULL, idempotency_expires_at = NULL
		WHERE idempotency_key IS NOT NULL
		  AND idempotency_expires_at IS NOT NULL
		  AND idempotency_expires_at <= ?`,
		fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
