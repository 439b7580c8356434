package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scriptd/draftsync/internal/queue"
	"github.com/scriptd/draftsync/internal/saveclient"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- fake clock ---

// fakeClock is a deterministic Clock. Advance fires due timers in
// chronological order on the caller's goroutine; Sleep returns immediately
// after recording the requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
}

type fakeTimer struct {
	c       *fakeClock
	when    time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()

	return ctx.Err()
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}

	t.stopped = true

	return true
}

// Advance moves the clock forward by d, firing every due timer in
// chronological order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		var next *fakeTimer

		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}

			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}

		if next == nil {
			break
		}

		if next.when.After(c.now) {
			c.now = next.when
		}

		next.fired = true
		fire := next.f

		c.mu.Unlock()
		fire()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// pendingTimers returns the number of armed, unfired timers.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int

	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}

	return n
}

// recordedSleeps returns a copy of the durations passed to Sleep.
func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)

	return out
}

// --- scripted saver ---

type saveCall struct {
	entityID    string
	payload     string
	baseVersion int64
	opID        string
}

// fakeSaver records calls and answers them from a respond function keyed by
// 1-based call number. An optional gate channel blocks Save until released,
// for in-flight tests.
type fakeSaver struct {
	mu      sync.Mutex
	calls   []saveCall
	respond func(n int, call saveCall) *saveclient.Result
	gate    chan struct{}
}

func (s *fakeSaver) Save(ctx context.Context, entityID, payload string, baseVersion int64, opID string) (*saveclient.Result, error) {
	s.mu.Lock()
	call := saveCall{entityID: entityID, payload: payload, baseVersion: baseVersion, opID: opID}
	s.calls = append(s.calls, call)
	n := len(s.calls)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return s.respond(n, call), nil
}

func (s *fakeSaver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

func (s *fakeSaver) call(i int) saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[i]
}

// Result constructors for scripted responses.

func resSuccess(version int64) *saveclient.Result {
	return &saveclient.Result{Kind: saveclient.OutcomeSuccess, NewVersion: version}
}

func resConflict(latest int64, payload string, yourBase int64) *saveclient.Result {
	return &saveclient.Result{Kind: saveclient.OutcomeConflict, Conflict: &saveclient.ConflictRecord{
		LatestVersion:   latest,
		LatestPayload:   payload,
		LatestUpdatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		YourBaseVersion: yourBase,
	}}
}

func resRateLimited(retryAfter time.Duration) *saveclient.Result {
	return &saveclient.Result{Kind: saveclient.OutcomeRateLimited, RetryAfter: retryAfter}
}

func resNetworkError() *saveclient.Result {
	return &saveclient.Result{Kind: saveclient.OutcomeNetwork, Err: errors.New("connection reset")}
}

func resFatal() *saveclient.Result {
	return &saveclient.Result{Kind: saveclient.OutcomeFatal, Err: errors.New("permission denied")}
}

// --- fake connectivity ---

type fakeConn struct {
	online  atomic.Bool
	changes chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{changes: make(chan bool, 8)}
	c.online.Store(online)

	return c
}

func (c *fakeConn) Online() bool {
	return c.online.Load()
}

func (c *fakeConn) Changes() <-chan bool {
	return c.changes
}

func (c *fakeConn) set(online bool) {
	c.online.Store(online)
	c.changes <- online
}

// --- engine assembly ---

const testEntity = "scene-1"

// testConfig keeps scheduler knobs aligned with the scenario descriptions:
// 2s debounce, 20s max-wait, 3 retries.
func testConfig() Config {
	return Config{Debounce: 2 * time.Second, MaxWait: 20 * time.Second, MaxRetries: 3}
}

// newTestEngine wires an Engine to a fake clock, scripted saver, fake
// connectivity, and an in-memory durable queue.
func newTestEngine(t *testing.T, saver Saver, conn ConnectivityObserver) (*Engine, *fakeClock, *queue.Store) {
	t.Helper()

	store, err := queue.NewStore(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	e := New(testEntity, 3, "committed content", saver, store, conn, testConfig(), testLogger(t))
	clock := newFakeClock()
	e.clock = clock

	t.Cleanup(e.Close)

	return e, clock, store
}

// waitFor polls cond until it holds or the deadline passes. Save results
// arrive on their own goroutine, so tests wait for the resulting state
// instead of assuming synchronous completion.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", desc)
}

func waitState(t *testing.T, e *Engine, want SaveState) {
	t.Helper()

	waitFor(t, "state "+want.String(), func() bool { return e.Status().State == want })
}
