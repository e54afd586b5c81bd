package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquirylabs/inquiry/internal/flowcontrol"
	"github.com/inquirylabs/inquiry/pkg/models"
)

// Monitor follows one job's event log on behalf of one session. Each
// (session, job) pair gets its own monitor with an independent cursor, so
// two sessions watching the same job both see the complete ordered
// sequence. The monitor feeds every event through the session's
// flow-control engine before forwarding it.
type Monitor struct {
	session  *Session
	jobID    string
	cursor   int64
	interval time.Duration
	batch    int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newMonitor(s *Session, jobID string, sinceEventID int64, interval time.Duration, batch int) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		session:  s,
		jobID:    jobID,
		cursor:   sinceEventID,
		interval: interval,
		batch:    batch,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (m *Monitor) start() {
	go m.loop()
}

func (m *Monitor) stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	defer m.session.monitorDone(m.jobID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First drain happens immediately so a subscription to an already
	// finished job replays its log without waiting a full tick.
	for {
		finished, err := m.drain()
		if err != nil {
			log.Warn().Err(err).
				Str("session_id", m.session.ID).
				Str("job_id", m.jobID).
				Msg("Monitor drain failed")
		}
		if finished {
			return
		}
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain fetches everything past the cursor, runs it through telemetry,
// forwards it, and reports whether a terminal event was reached.
func (m *Monitor) drain() (bool, error) {
	events, err := m.session.core.Store.GetEvents(m.ctx, m.jobID, m.cursor, m.batch)
	if err != nil {
		return false, err
	}

	engine := m.session.Engine()
	now := time.Now()
	sampled := false

	for _, ev := range events {
		m.cursor = ev.ID
		if met := ev.ExtractMetrics(); met != nil {
			sampled = true
			if met.TokenCount > 0 {
				engine.ObserveTokens(met.TokenCount, ev.Timestamp)
			}
			if met.CadenceError != nil {
				engine.ObserveCadence(*met.CadenceError, ev.Timestamp)
			}
		}
		m.forward(ev)
		m.session.core.Collector.EventDeliveryMs.Observe(float64(now.Sub(ev.Timestamp).Milliseconds()))

		if terminal, frameType := terminalFrame(ev.Type); terminal {
			m.emitFinal(frameType, ev, engine.Snapshot())
			return true, nil
		}
	}

	if !sampled {
		// Quiet tick. Gives the breaker a chance to cool down and reopen.
		engine.TickHealthy(now)
	}
	if len(events) > 0 {
		m.session.Push(models.FrameMetricsUpdate, engine.Snapshot())
	}

	// A full batch means more events may be pending past the cursor;
	// keep draining before consulting status.
	if len(events) == m.batch {
		return false, nil
	}

	// Status is the source of truth for termination: the terminal event
	// can sit at or behind a resume cursor, or its append can have failed
	// after the status transition landed.
	job, err := m.session.core.Store.GetJob(m.ctx, m.jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		m.emitFinal(statusFrame(job.Status), statusEvent(job), engine.Snapshot())
		return true, nil
	}
	return false, nil
}

// statusEvent synthesizes the terminal event for a job whose log entry is
// not visible past the cursor.
func statusEvent(job *models.Job) models.JobEvent {
	ev := models.JobEvent{
		JobID:     job.ID,
		Type:      terminalEventType(job.Status),
		Timestamp: time.Now(),
	}
	if job.FinishedAt != nil {
		ev.Timestamp = *job.FinishedAt
	}
	payload := map[string]interface{}{"status": job.Status}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if raw, err := json.Marshal(payload); err == nil {
		ev.Payload = raw
	}
	return ev
}

func terminalEventType(status models.JobStatus) string {
	switch status {
	case models.JobCompleted:
		return models.EventJobCompleted
	case models.JobCanceled:
		return models.EventJobCanceled
	default:
		return models.EventJobError
	}
}

// statusFrame maps a terminal job status onto its wire frame.
func statusFrame(status models.JobStatus) string {
	if status == models.JobCompleted {
		return models.FrameJobCompleted
	}
	return models.FrameJobError
}

func (m *Monitor) forward(ev models.JobEvent) {
	m.session.Push(models.FrameJobEvent, ev)
}

// emitFinal sends the terminal frame with the job outcome and a closing
// telemetry snapshot, then flushes so nothing lingers in the batcher.
func (m *Monitor) emitFinal(frameType string, ev models.JobEvent, snap flowcontrol.Snapshot) {
	payload := struct {
		JobID    string               `json:"jobId"`
		Event    models.JobEvent      `json:"event"`
		Snapshot flowcontrol.Snapshot `json:"snapshot"`
	}{JobID: m.jobID, Event: ev, Snapshot: snap}

	m.session.Push(frameType, payload)

	if raw, err := json.Marshal(snap); err == nil {
		m.session.Push(models.FrameMetricsFinal, json.RawMessage(raw))
	}
	if err := m.session.Engine().Flush(); err != nil {
		log.Debug().Err(err).
			Str("session_id", m.session.ID).
			Str("job_id", m.jobID).
			Msg("Final flush failed")
	}
	log.Debug().
		Str("session_id", m.session.ID).
		Str("job_id", m.jobID).
		Str("frame", frameType).
		Msg("Job monitoring finished")
}

// terminalFrame maps terminal event types onto their wire frames.
func terminalFrame(eventType string) (bool, string) {
	switch eventType {
	case models.EventJobCompleted:
		return true, models.FrameJobCompleted
	case models.EventJobError, models.EventJobCanceled:
		return true, models.FrameJobError
	}
	return false, ""
}
