// Package flowcontrol implements the per-session telemetry and flow-control
// engine: cadence smoothing, circuit breaking, credit-based pacing, and
// output batching.
//
// Each session owns exactly one Engine; nothing here is shared across
// sessions. The engine sits between the job monitors and the physical
// connection so a slow or misbehaving consumer degrades only its own feed.
package flowcontrol

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink receives the physical writes produced by the batcher. One call is
// one wire write; buffered frames are newline-joined into a single payload
// to amortize per-frame overhead.
type Sink interface {
	WriteBatch(data []byte) error
}

// Config tunes one engine instance. Durations and thresholds come straight
// from the server configuration.
type Config struct {
	EMAHalfLife      time.Duration
	BreakerThreshold float64
	BreakerCooldown  time.Duration
	// TargetTokenRate is the pacing budget in tokens/second. Zero means
	// no credit accounting.
	TargetTokenRate float64
	// CreditBurst is the initial credit allowance in tokens. Defaults to
	// one second of TargetTokenRate so the first burst never breaches.
	CreditBurst      float64
	MaxFlushInterval time.Duration
	MaxBufferBytes   int
	JitterRingSize   int
	JitterCeiling    time.Duration
	// PassThrough disables batching entirely: every send goes straight
	// to the sink. Used for low-volume control transports.
	PassThrough bool
	// OnWriteError is invoked (outside the engine lock) whenever a sink
	// write fails, including timer-driven flushes that have no caller to
	// return the error to. May be nil.
	OnWriteError func(err error)
}

// Snapshot is a point-in-time view of the engine's telemetry, embedded in
// metrics.update and metrics.final frames.
type Snapshot struct {
	TokenCount     int64     `json:"token_count"`
	MeanJitterMs   float64   `json:"mean_jitter_ms"`
	EMAError       float64   `json:"ema_error"`
	BreakerOpen    bool      `json:"breaker_open"`
	BreakerTrips   int64     `json:"breaker_trips"`
	PendingFrames  int       `json:"pending_frames"`
	PendingBytes   int       `json:"pending_bytes"`
	FirstTokenAt   time.Time `json:"first_token_at,omitempty"`
	LastTokenAt    time.Time `json:"last_token_at,omitempty"`
	AvailableCredit float64  `json:"available_credit"`
}

// BreakerFunc is invoked (outside the engine lock) whenever the circuit
// breaker opens or closes.
type BreakerFunc func(open bool, snap Snapshot)

// Engine is the per-session telemetry and flow-control state machine.
type Engine struct {
	cfg   Config
	sink  Sink
	alpha float64

	onBreaker BreakerFunc

	mu sync.Mutex

	// Telemetry.
	tokenCount   int64
	firstTokenAt time.Time
	lastTokenAt  time.Time
	jitter       []time.Duration // bounded ring, drop-oldest
	jitterHead   int
	emaError     float64

	// Circuit breaker.
	breakerOpen  bool
	openedAt     time.Time
	lastBreachAt time.Time
	tripCount    int64

	// Pacing.
	creditStart time.Time
	tokensSent  float64

	// Output batching.
	buf         bytes.Buffer
	frameCount  int
	droppedFrames int64
	lastFlushAt time.Time
	flushTimer  *time.Timer // at most one pending
	closed      bool
}

// NewEngine creates an engine writing batches to sink. onBreaker may be nil.
func NewEngine(cfg Config, sink Sink, onBreaker BreakerFunc) *Engine {
	if cfg.JitterRingSize <= 0 {
		cfg.JitterRingSize = 256
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 32 * 1024
	}
	if cfg.MaxFlushInterval <= 0 {
		cfg.MaxFlushInterval = 250 * time.Millisecond
	}
	if cfg.TargetTokenRate > 0 && cfg.CreditBurst <= 0 {
		cfg.CreditBurst = cfg.TargetTokenRate
	}

	// alpha = 1 − exp(ln 0.5 / max(halfLife in seconds, 1)), derived once.
	halfLife := cfg.EMAHalfLife.Seconds()
	if halfLife < 1 {
		halfLife = 1
	}
	return &Engine{
		cfg:       cfg,
		sink:      sink,
		alpha:     1 - math.Exp(-math.Ln2/halfLife),
		onBreaker: onBreaker,
		jitter:    make([]time.Duration, 0, cfg.JitterRingSize),
	}
}

// ── Telemetry ingestion ─────────────────────────────────────

// ObserveTokens records a token-count metric sample. The first sample pins
// the first-token timestamp; later samples feed the jitter ring and the
// pacing credit ledger. A non-positive credit is an error signal into the
// breaker, never a block on the caller.
func (e *Engine) ObserveTokens(count int, at time.Time) {
	var (
		fire bool
		snap Snapshot
	)
	e.mu.Lock()
	e.tokenCount += int64(count)

	if e.firstTokenAt.IsZero() {
		e.firstTokenAt = at
		e.creditStart = at
	} else {
		delta := at.Sub(e.lastTokenAt)
		if delta > 0 && (e.cfg.JitterCeiling <= 0 || delta < e.cfg.JitterCeiling) {
			e.pushJitter(delta)
		}
	}
	e.lastTokenAt = at

	if e.cfg.TargetTokenRate > 0 {
		e.tokensSent += float64(count)
		credit := e.cfg.CreditBurst + e.cfg.TargetTokenRate*at.Sub(e.creditStart).Seconds() - e.tokensSent
		if credit <= 0 {
			fire = e.recordBreach(1, at)
			snap = e.snapshotLocked(at)
		}
	}
	e.mu.Unlock()

	if fire && e.onBreaker != nil {
		e.onBreaker(true, snap)
	}
}

// ObserveCadence records a cadence-error sample and re-evaluates the
// breaker threshold.
func (e *Engine) ObserveCadence(sample float64, at time.Time) {
	var (
		fire bool
		snap Snapshot
	)
	e.mu.Lock()
	e.emaError = (1-e.alpha)*e.emaError + e.alpha*sample
	if math.Abs(e.emaError) >= e.cfg.BreakerThreshold {
		fire = e.recordBreach(0, at)
		snap = e.snapshotLocked(at)
	}
	e.mu.Unlock()

	if fire && e.onBreaker != nil {
		e.onBreaker(true, snap)
	}
}

// TickHealthy marks one monitor tick that carried no error sample. A
// healthy tick is what lets an open breaker close once the cooldown has
// elapsed with no further breach.
func (e *Engine) TickHealthy(at time.Time) {
	var (
		reset bool
		snap  Snapshot
		pending []byte
	)
	e.mu.Lock()
	if e.breakerOpen && at.Sub(e.lastBreachAt) >= e.cfg.BreakerCooldown {
		e.breakerOpen = false
		reset = true
		snap = e.snapshotLocked(at)
		pending = e.takeBufferLocked()
	}
	e.mu.Unlock()

	if !reset {
		return
	}
	if e.onBreaker != nil {
		e.onBreaker(false, snap)
	}
	if len(pending) > 0 {
		e.write(pending)
	}
}

// recordBreach trips the breaker if it is not already open, or extends the
// cooldown window of an open one. The extra sample nudges the EMA when the
// breach came from the credit ledger rather than a cadence sample.
// Returns true when this call performed the trip. Caller holds e.mu.
func (e *Engine) recordBreach(creditSample float64, at time.Time) bool {
	if creditSample != 0 {
		e.emaError = (1-e.alpha)*e.emaError + e.alpha*creditSample
	}
	e.lastBreachAt = at
	if e.breakerOpen {
		return false
	}
	e.breakerOpen = true
	e.openedAt = at
	e.tripCount++

	// Lossy shed-load: whatever was waiting to flush is gone.
	dropped := e.frameCount
	e.buf.Reset()
	e.frameCount = 0
	e.droppedFrames += int64(dropped)
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}

	log.Warn().
		Int64("trip_count", e.tripCount).
		Float64("ema_error", e.emaError).
		Int("dropped_frames", dropped).
		Msg("Flow-control circuit breaker tripped")
	return true
}

func (e *Engine) pushJitter(d time.Duration) {
	if len(e.jitter) < e.cfg.JitterRingSize {
		e.jitter = append(e.jitter, d)
		return
	}
	// Ring is full: overwrite the oldest sample.
	e.jitter[e.jitterHead] = d
	e.jitterHead = (e.jitterHead + 1) % e.cfg.JitterRingSize
}

// ── Output path ─────────────────────────────────────────────

// Send hands one encoded frame to the batcher. In pass-through mode the
// frame goes straight to the sink. While the breaker is open frames are
// enqueued but not flushed; the buffer stays bounded, so overflow while
// open is dropped rather than held forever.
//
// A frame arriving after an idle stretch of at least MaxFlushInterval is
// written immediately; frames inside the window coalesce behind the single
// pending flush timer.
func (e *Engine) Send(frame []byte) error {
	if e.cfg.PassThrough {
		return e.write(append(frame, '\n'))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	if e.breakerOpen {
		if e.buf.Len()+len(frame) > e.cfg.MaxBufferBytes {
			e.droppedFrames++
			e.mu.Unlock()
			return nil
		}
		e.appendFrameLocked(frame)
		e.mu.Unlock()
		return nil
	}

	e.appendFrameLocked(frame)

	now := time.Now()
	switch {
	case e.buf.Len() >= e.cfg.MaxBufferBytes, now.Sub(e.lastFlushAt) >= e.cfg.MaxFlushInterval:
		data := e.takeBufferLocked()
		e.lastFlushAt = now
		e.mu.Unlock()
		return e.write(data)
	default:
		e.scheduleFlushLocked(e.cfg.MaxFlushInterval - now.Sub(e.lastFlushAt))
		e.mu.Unlock()
		return nil
	}
}

func (e *Engine) appendFrameLocked(frame []byte) {
	e.buf.Write(frame)
	e.buf.WriteByte('\n')
	e.frameCount++
}

// takeBufferLocked drains the pending buffer and cancels any pending
// flush timer. Caller holds e.mu.
func (e *Engine) takeBufferLocked() []byte {
	if e.buf.Len() == 0 {
		return nil
	}
	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())
	e.buf.Reset()
	e.frameCount = 0
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	return data
}

// scheduleFlushLocked arms the flush timer unless one is already pending.
func (e *Engine) scheduleFlushLocked(in time.Duration) {
	if e.flushTimer != nil {
		return
	}
	if in <= 0 {
		in = time.Millisecond
	}
	e.flushTimer = time.AfterFunc(in, e.flushDue)
}

// flushDue is the timer callback: flush whatever is buffered, unless the
// breaker opened in the meantime.
func (e *Engine) flushDue() {
	e.mu.Lock()
	e.flushTimer = nil
	if e.closed || e.breakerOpen || e.buf.Len() == 0 {
		e.mu.Unlock()
		return
	}
	data := e.takeBufferLocked()
	e.lastFlushAt = time.Now()
	e.mu.Unlock()

	e.write(data)
}

func (e *Engine) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := e.sink.WriteBatch(data); err != nil {
		log.Debug().Err(err).Msg("Flow-control sink write failed")
		if e.cfg.OnWriteError != nil {
			e.cfg.OnWriteError(err)
		}
		return err
	}
	return nil
}

// Flush forces out anything buffered, regardless of timers. Used on
// session teardown. A flush while the breaker is open is still suppressed.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.breakerOpen {
		e.mu.Unlock()
		return nil
	}
	data := e.takeBufferLocked()
	e.lastFlushAt = time.Now()
	e.mu.Unlock()
	return e.write(data)
}

// Close stops the engine; further sends are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.buf.Reset()
	e.frameCount = 0
	e.mu.Unlock()
}

// ── Introspection ───────────────────────────────────────────

// Snapshot returns the current telemetry view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(time.Now())
}

// TripCount returns how many times the breaker has opened.
func (e *Engine) TripCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tripCount
}

// BreakerOpen reports whether the breaker is currently open.
func (e *Engine) BreakerOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breakerOpen
}

// DroppedFrames returns how many frames the lossy shed-load policy has
// discarded.
func (e *Engine) DroppedFrames() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedFrames
}

func (e *Engine) snapshotLocked(at time.Time) Snapshot {
	snap := Snapshot{
		TokenCount:    e.tokenCount,
		EMAError:      e.emaError,
		BreakerOpen:   e.breakerOpen,
		BreakerTrips:  e.tripCount,
		PendingFrames: e.frameCount,
		PendingBytes:  e.buf.Len(),
		FirstTokenAt:  e.firstTokenAt,
		LastTokenAt:   e.lastTokenAt,
	}
	if n := len(e.jitter); n > 0 {
		var sum time.Duration
		for _, d := range e.jitter {
			sum += d
		}
		snap.MeanJitterMs = float64(sum.Milliseconds()) / float64(n)
	}
	if e.cfg.TargetTokenRate > 0 && !e.creditStart.IsZero() {
		snap.AvailableCredit = e.cfg.CreditBurst + e.cfg.TargetTokenRate*at.Sub(e.creditStart).Seconds() - e.tokensSent
	}
	return snap
}
