package flowcontrol_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inquirylabs/inquiry/internal/flowcontrol"
)

// recordingSink captures every physical write.
type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
}

func (s *recordingSink) WriteBatch(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordingSink) frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		n += bytes.Count(w, []byte("\n"))
	}
	return n
}

func testConfig() flowcontrol.Config {
	return flowcontrol.Config{
		EMAHalfLife:      time.Second, // alpha = 0.5
		BreakerThreshold: 0.5,
		BreakerCooldown:  100 * time.Millisecond,
		MaxFlushInterval: 50 * time.Millisecond,
		MaxBufferBytes:   32 * 1024,
		JitterRingSize:   8,
		JitterCeiling:    30 * time.Second,
	}
}

func TestEMAConvergesTowardSamples(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 100 // keep the breaker out of the way
	e := flowcontrol.NewEngine(cfg, &recordingSink{}, nil)

	now := time.Now()
	// With a 1s half-life alpha is 0.5: one sample of 1.0 lands at 0.5,
	// the second at 0.75, converging toward 1.0.
	e.ObserveCadence(1.0, now)
	snap := e.Snapshot()
	if snap.EMAError < 0.49 || snap.EMAError > 0.51 {
		t.Errorf("EMA after one sample = %f, want ~0.5", snap.EMAError)
	}

	e.ObserveCadence(1.0, now.Add(time.Second))
	snap = e.Snapshot()
	if snap.EMAError < 0.74 || snap.EMAError > 0.76 {
		t.Errorf("EMA after two samples = %f, want ~0.75", snap.EMAError)
	}
}

func TestBreakerTripsOnceAndDiscardsBuffer(t *testing.T) {
	sink := &recordingSink{}
	var trips int
	var mu sync.Mutex
	e := flowcontrol.NewEngine(testConfig(), sink, func(open bool, _ flowcontrol.Snapshot) {
		if open {
			mu.Lock()
			trips++
			mu.Unlock()
		}
	})

	// Buffer a couple of frames behind the first (immediate) one.
	e.Send([]byte(`{"n":1}`))
	e.Send([]byte(`{"n":2}`))
	e.Send([]byte(`{"n":3}`))
	if sink.count() != 1 {
		t.Fatalf("writes before trip = %d, want 1 (first frame immediate)", sink.count())
	}

	now := time.Now()
	e.ObserveCadence(2.0, now) // ema 1.0, over threshold → trip
	if !e.BreakerOpen() {
		t.Fatal("Breaker should be open")
	}
	if e.TripCount() != 1 {
		t.Errorf("TripCount = %d, want 1", e.TripCount())
	}
	if e.DroppedFrames() != 2 {
		t.Errorf("DroppedFrames = %d, want 2 (buffered frames discarded)", e.DroppedFrames())
	}

	// Further breaches while open extend the window but never re-trip.
	e.ObserveCadence(2.0, now.Add(10*time.Millisecond))
	e.ObserveCadence(2.0, now.Add(20*time.Millisecond))
	if e.TripCount() != 1 {
		t.Errorf("TripCount after repeat breaches = %d, want 1", e.TripCount())
	}
	mu.Lock()
	gotTrips := trips
	mu.Unlock()
	if gotTrips != 1 {
		t.Errorf("onBreaker(open) calls = %d, want 1", gotTrips)
	}

	// Nothing flushes while the breaker is open.
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("writes while open = %d, want 1", sink.count())
	}
}

func TestBreakerCooldownReset(t *testing.T) {
	sink := &recordingSink{}
	var closedSignals int
	var mu sync.Mutex
	e := flowcontrol.NewEngine(testConfig(), sink, func(open bool, _ flowcontrol.Snapshot) {
		if !open {
			mu.Lock()
			closedSignals++
			mu.Unlock()
		}
	})

	now := time.Now()
	e.ObserveCadence(2.0, now)
	if !e.BreakerOpen() {
		t.Fatal("Breaker should be open")
	}

	// A healthy tick inside the cooldown window keeps it open.
	e.TickHealthy(now.Add(50 * time.Millisecond))
	if !e.BreakerOpen() {
		t.Error("Breaker reset before cooldown elapsed")
	}

	// Past the cooldown the breaker closes and delivery resumes.
	e.TickHealthy(now.Add(150 * time.Millisecond))
	if e.BreakerOpen() {
		t.Error("Breaker should have reset after cooldown")
	}
	mu.Lock()
	gotClosed := closedSignals
	mu.Unlock()
	if gotClosed != 1 {
		t.Errorf("onBreaker(closed) calls = %d, want 1", gotClosed)
	}

	// Sends after the reset flow again.
	e.Send([]byte(`{"after":"reset"}`))
	if sink.count() != 1 {
		t.Errorf("writes after reset = %d, want 1", sink.count())
	}
}

func TestBreachWhileOpenExtendsCooldown(t *testing.T) {
	e := flowcontrol.NewEngine(testConfig(), &recordingSink{}, nil)

	now := time.Now()
	e.ObserveCadence(2.0, now)
	// Fresh breach at +80ms restarts the cooldown clock.
	e.ObserveCadence(2.0, now.Add(80*time.Millisecond))

	// 150ms after the original trip is only 70ms after the last breach.
	e.TickHealthy(now.Add(150 * time.Millisecond))
	if !e.BreakerOpen() {
		t.Error("Breach while open should extend the cooldown window")
	}

	e.TickHealthy(now.Add(200 * time.Millisecond))
	if e.BreakerOpen() {
		t.Error("Breaker should reset once cooldown elapses after the last breach")
	}
}

func TestCreditExhaustionTripsBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.TargetTokenRate = 10 // tokens per second
	e := flowcontrol.NewEngine(cfg, &recordingSink{}, nil)

	now := time.Now()
	e.ObserveTokens(5, now)
	// 5 tokens over a 1-second budget window of 10: still in credit.
	e.ObserveTokens(4, now.Add(time.Second))
	if e.BreakerOpen() {
		t.Fatal("Breaker opened with credit remaining")
	}

	// A burst far over budget exhausts the credit.
	e.ObserveTokens(100, now.Add(1100*time.Millisecond))
	if !e.BreakerOpen() {
		t.Error("Credit exhaustion should trip the breaker")
	}

	snap := e.Snapshot()
	if snap.AvailableCredit > 0 {
		t.Errorf("AvailableCredit = %f, want <= 0", snap.AvailableCredit)
	}
}

func TestBatchingCoalescesFrames(t *testing.T) {
	sink := &recordingSink{}
	e := flowcontrol.NewEngine(testConfig(), sink, nil)

	const n = 10
	for i := 0; i < n; i++ {
		if err := e.Send([]byte(`{"frame":true}`)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// Wait for the flush timer to drain what was buffered.
	deadline := time.Now().Add(time.Second)
	for sink.frames() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := sink.frames(); got != n {
		t.Fatalf("delivered frames = %d, want %d", got, n)
	}
	if writes := sink.count(); writes >= n {
		t.Errorf("physical writes = %d, want fewer than %d (coalescing)", writes, n)
	}
}

func TestSendAfterFlushBuffersInsideWindow(t *testing.T) {
	sink := &recordingSink{}
	e := flowcontrol.NewEngine(testConfig(), sink, nil)

	// Idle engine: the first frame goes straight out.
	e.Send([]byte(`{"n":1}`))
	if sink.count() != 1 {
		t.Fatalf("writes after first send = %d, want 1", sink.count())
	}

	// Frames landing inside the flush window ride the pending timer
	// instead of producing one write each.
	e.Send([]byte(`{"n":2}`))
	e.Send([]byte(`{"n":3}`))
	if sink.count() != 1 {
		t.Fatalf("writes inside flush window = %d, want still 1", sink.count())
	}

	deadline := time.Now().Add(time.Second)
	for sink.frames() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.frames() != 3 {
		t.Fatalf("delivered frames = %d, want 3", sink.frames())
	}
	if sink.count() != 2 {
		t.Errorf("physical writes = %d, want 2 (one flush for the buffered pair)", sink.count())
	}
}

// failingSink rejects every write.
type failingSink struct{}

func (failingSink) WriteBatch([]byte) error {
	return errTransportDown
}

var errTransportDown = errors.New("transport down")

func TestTimerFlushWriteFailureReported(t *testing.T) {
	var (
		mu       sync.Mutex
		failures int
	)
	cfg := testConfig()
	cfg.OnWriteError = func(err error) {
		if err != errTransportDown {
			t.Errorf("OnWriteError err = %v", err)
		}
		mu.Lock()
		failures++
		mu.Unlock()
	}
	e := flowcontrol.NewEngine(cfg, failingSink{}, nil)

	// First send writes (and fails) immediately.
	e.Send([]byte(`{"n":1}`))
	mu.Lock()
	got := failures
	mu.Unlock()
	if got != 1 {
		t.Fatalf("failures after immediate write = %d, want 1", got)
	}

	// The next send buffers; the timer-driven flush must report its
	// failure too, with no synchronous caller in sight.
	e.Send([]byte(`{"n":2}`))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got = failures
		mu.Unlock()
		if got >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got < 2 {
		t.Errorf("failures after timer flush = %d, want 2", got)
	}
}

func TestPassThroughWritesImmediately(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.PassThrough = true
	e := flowcontrol.NewEngine(cfg, sink, nil)

	for i := 0; i < 3; i++ {
		if err := e.Send([]byte(`{"i":1}`)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if sink.count() != 3 {
		t.Errorf("writes = %d, want 3 (no batching in pass-through)", sink.count())
	}
}

func TestJitterRingBounded(t *testing.T) {
	cfg := testConfig()
	cfg.JitterRingSize = 4
	e := flowcontrol.NewEngine(cfg, &recordingSink{}, nil)

	now := time.Now()
	for i := 0; i < 20; i++ {
		e.ObserveTokens(1, now.Add(time.Duration(i)*100*time.Millisecond))
	}

	snap := e.Snapshot()
	// All inter-arrival gaps are 100ms, so whatever the ring holds the
	// mean must be 100ms.
	if snap.MeanJitterMs < 99 || snap.MeanJitterMs > 101 {
		t.Errorf("MeanJitterMs = %f, want ~100", snap.MeanJitterMs)
	}
	if snap.TokenCount != 20 {
		t.Errorf("TokenCount = %d, want 20", snap.TokenCount)
	}
}

func TestJitterCeilingExcludesIdleGaps(t *testing.T) {
	cfg := testConfig()
	cfg.JitterCeiling = time.Second
	e := flowcontrol.NewEngine(cfg, &recordingSink{}, nil)

	now := time.Now()
	e.ObserveTokens(1, now)
	e.ObserveTokens(1, now.Add(100*time.Millisecond))
	// A long idle gap beyond the ceiling must not poison the mean.
	e.ObserveTokens(1, now.Add(10*time.Second))

	snap := e.Snapshot()
	if snap.MeanJitterMs < 99 || snap.MeanJitterMs > 101 {
		t.Errorf("MeanJitterMs = %f, want ~100 (idle gap excluded)", snap.MeanJitterMs)
	}
}

func TestSendAfterCloseIsDiscarded(t *testing.T) {
	sink := &recordingSink{}
	e := flowcontrol.NewEngine(testConfig(), sink, nil)
	e.Close()

	if err := e.Send([]byte(`{"late":true}`)); err != nil {
		t.Fatalf("Send after close: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("writes after close = %d, want 0", sink.count())
	}
}
