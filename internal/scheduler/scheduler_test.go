package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
	"github.com/ponytojas/arrivalboard/internal/feed"
)

// fakeClock jumps forward by the requested duration whenever After is called,
// so a Run loop advances through simulated time without sleeping.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type step func(now time.Time) feed.Outcome

// scriptedFetcher replays steps in order and cancels the run once they are
// exhausted.
type scriptedFetcher struct {
	mu     sync.Mutex
	clock  Clock
	steps  []step
	calls  int
	cancel context.CancelFunc
}

func (f *scriptedFetcher) Fetch(ctx context.Context, stop arrivals.StopID) feed.Outcome {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.steps) {
		f.cancel()
		<-ctx.Done()
		return feed.Failure(feed.Network, ctx.Err())
	}
	return f.steps[i](f.clock.Now())
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type call struct {
	kind    string
	summary arrivals.Summary
	stale   bool
}

type recordingPresenter struct {
	mu        sync.Mutex
	calls     []call
	readyErr  error
	renderErr error
}

func (p *recordingPresenter) Ready(ctx context.Context) error { return p.readyErr }

func (p *recordingPresenter) Render(s arrivals.Summary, stale bool) error {
	p.record(call{kind: "render", summary: s, stale: stale})
	return p.renderErr
}

func (p *recordingPresenter) RenderUnavailable() error {
	p.record(call{kind: "unavailable"})
	return p.renderErr
}

func (p *recordingPresenter) Clear() error {
	p.record(call{kind: "clear"})
	return nil
}

func (p *recordingPresenter) record(c call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
}

func (p *recordingPresenter) Kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []string
	for _, c := range p.calls {
		k := c.kind
		if c.kind == "render" && c.stale {
			k = "render-stale"
		}
		kinds = append(kinds, k)
	}
	return kinds
}

type recordingMetrics struct {
	nopMetrics
	mu      sync.Mutex
	backoff []time.Duration
	polls   []string
}

func (m *recordingMetrics) BackoffSet(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.backoff = append(m.backoff, d)
	}
}

func (m *recordingMetrics) PollObserved(kind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = append(m.polls, kind)
}

func trains(now time.Time) feed.Outcome {
	return feed.Success([]arrivals.Event{
		{TripID: "A1", RouteID: "A", Direction: arrivals.Uptown, PredictedTime: now.Add(180 * time.Second)},
		{TripID: "A2", RouteID: "A", Direction: arrivals.Uptown, PredictedTime: now.Add(420 * time.Second)},
		{TripID: "C1", RouteID: "C", Direction: arrivals.Downtown, PredictedTime: now.Add(90 * time.Second)},
	})
}

func fails(kind feed.ErrorKind) step {
	return func(time.Time) feed.Outcome { return feed.Failure(kind, errors.New("boom")) }
}

func repeat(s step, n int) []step {
	out := make([]step, n)
	for i := range out {
		out[i] = s
	}
	return out
}

type harness struct {
	clock     *fakeClock
	fetcher   *scriptedFetcher
	presenter *recordingPresenter
	metrics   *recordingMetrics
	sched     *Scheduler
	ctx       context.Context
}

func newHarness(t *testing.T, opts Options, steps ...step) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		clock:     newFakeClock(),
		presenter: &recordingPresenter{},
		metrics:   &recordingMetrics{},
		ctx:       ctx,
	}
	h.fetcher = &scriptedFetcher{clock: h.clock, steps: steps, cancel: cancel}

	s, err := New(h.fetcher, h.presenter, "A27", opts, WithClock(h.clock), WithMetrics(h.metrics))
	require.NoError(t, err)
	h.sched = s
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(h.ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func TestRenderOnFirstSuccess(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains)

	require.NoError(t, h.run(t))

	require.Equal(t, []string{"render", "clear"}, h.presenter.Kinds())
	got := h.presenter.calls[0].summary
	assert.Equal(t, []int{3, 7}, got.Minutes(arrivals.Uptown))
	assert.Equal(t, []int{2}, got.Minutes(arrivals.Downtown))
	assert.Equal(t, ShuttingDown, h.sched.State())
}

func TestIdenticalSummariesRenderOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains, trains, trains)

	require.NoError(t, h.run(t))

	assert.Equal(t, []string{"render", "clear"}, h.presenter.Kinds())
	assert.Equal(t, 4, h.fetcher.Calls())
}

func TestChangedSummaryRepaints(t *testing.T) {
	later := func(now time.Time) feed.Outcome {
		return feed.Success([]arrivals.Event{
			{TripID: "A2", RouteID: "A", Direction: arrivals.Uptown, PredictedTime: now.Add(60 * time.Second)},
		})
	}
	h := newHarness(t, DefaultOptions(), trains, later)

	require.NoError(t, h.run(t))

	assert.Equal(t, []string{"render", "render", "clear"}, h.presenter.Kinds())
}

func TestPollIntervalMeasuredFromPollStart(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains, nil)
	h.fetcher.steps[1] = func(now time.Time) feed.Outcome {
		h.clock.Advance(4 * time.Second)
		return trains(now)
	}

	require.NoError(t, h.run(t))

	waits := h.clock.Waits()
	require.GreaterOrEqual(t, len(waits), 2)
	assert.Equal(t, []time.Duration{30 * time.Second, 26 * time.Second}, waits[:2])
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = time.Hour
	h := newHarness(t, opts, repeat(fails(feed.Network), 5)...)

	require.NoError(t, h.run(t))

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second}
	waits := h.clock.Waits()
	require.GreaterOrEqual(t, len(waits), 5)
	assert.Equal(t, want, waits[:5])
	assert.Equal(t, want, h.metrics.backoff)
}

func TestBackoffGrowthIsMonotonicAndCapped(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = 24 * time.Hour
	h := newHarness(t, opts, repeat(fails(feed.RateLimited), 8)...)

	require.NoError(t, h.run(t))

	delays := h.metrics.backoff
	require.Len(t, delays, 8)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.GreaterOrEqual(t, delays[i], opts.PollInterval)
		assert.LessOrEqual(t, delays[i], opts.MaxBackoff)
	}
	assert.Equal(t, []time.Duration{opts.MaxBackoff, opts.MaxBackoff, opts.MaxBackoff}, delays[5:])
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = time.Hour
	h := newHarness(t, opts, fails(feed.Timeout), fails(feed.Timeout), trains, fails(feed.Timeout))

	require.NoError(t, h.run(t))

	waits := h.clock.Waits()
	require.GreaterOrEqual(t, len(waits), 4)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 30 * time.Second, 30 * time.Second}, waits[:4])
}

func TestStaleShowsUnavailable(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = 2 * time.Minute
	steps := append([]step{trains}, repeat(fails(feed.Network), 5)...)
	steps = append(steps, trains)
	h := newHarness(t, opts, steps...)

	require.NoError(t, h.run(t))

	// t=0 ok, t=30 degraded, t=60, t=120 (age == threshold), t=240 unavailable,
	// t=480 still unavailable, then recovery repaints the same summary.
	assert.Equal(t, []string{"render", "render-stale", "unavailable", "render", "clear"}, h.presenter.Kinds())
}

func TestStaleWithoutAnySuccess(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = time.Minute
	h := newHarness(t, opts, repeat(fails(feed.Upstream), 4)...)

	require.NoError(t, h.run(t))

	assert.Equal(t, []string{"unavailable", "clear"}, h.presenter.Kinds())
	assert.True(t, h.sched.display.Stale)
}

func TestAuthRejectedAtStartupIsFatal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), fails(feed.Auth))

	err := h.run(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestAuthRejectedMidRunKeepsBackingOff(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = time.Hour
	h := newHarness(t, opts, trains, fails(feed.Auth), fails(feed.Auth))

	require.NoError(t, h.run(t))

	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, h.metrics.backoff)
	assert.Equal(t, []string{"success", "auth", "auth"}, h.metrics.polls)
}

func TestRenderFaultIsFatal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains)
	h.presenter.renderErr = errors.New("i2c write failed")

	err := h.run(t)

	assert.ErrorIs(t, err, ErrRenderSurface)
}

func TestReadyFaultIsFatal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains)
	h.presenter.readyErr = errors.New("no device")

	err := h.run(t)

	assert.ErrorIs(t, err, ErrRenderSurface)
	assert.Equal(t, 0, h.fetcher.Calls())
}

func TestCancelledBeforeReadyShutsDownCleanly(t *testing.T) {
	h := newHarness(t, DefaultOptions(), trains)
	h.presenter.readyErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ctx = ctx

	require.NoError(t, h.run(t))

	assert.Equal(t, []string{"clear"}, h.presenter.Kinds())
	assert.Equal(t, ShuttingDown, h.sched.State())
	assert.Equal(t, 0, h.fetcher.Calls())
}

func TestHorizonHidesFarArrivals(t *testing.T) {
	opts := DefaultOptions()
	opts.Horizon = 5 * time.Minute
	h := newHarness(t, opts, trains)

	require.NoError(t, h.run(t))

	require.Equal(t, []string{"render", "clear"}, h.presenter.Kinds())
	got := h.presenter.calls[0].summary
	assert.Equal(t, []int{3}, got.Minutes(arrivals.Uptown))
	assert.Equal(t, []int{2}, got.Minutes(arrivals.Downtown))
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestRejectedRequestLoggedOncePerStreak(t *testing.T) {
	buf := captureLog(t)
	opts := DefaultOptions()
	opts.StaleAfter = time.Hour
	steps := []step{trains, fails(feed.Invalid), fails(feed.Auth), fails(feed.Network), trains, fails(feed.Invalid)}
	h := newHarness(t, opts, steps...)

	require.NoError(t, h.run(t))

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "feed rejected the request"))
	assert.Equal(t, 4, strings.Count(out, "poll failed"))
}

func TestTransientFailuresNotReportedAsRejected(t *testing.T) {
	buf := captureLog(t)
	opts := DefaultOptions()
	opts.StaleAfter = time.Hour
	h := newHarness(t, opts, trains, fails(feed.Network), fails(feed.RateLimited), fails(feed.Malformed))

	require.NoError(t, h.run(t))

	assert.NotContains(t, buf.String(), "feed rejected the request")
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	honor   bool
}

func (f *blockingFetcher) Fetch(ctx context.Context, stop arrivals.StopID) feed.Outcome {
	close(f.started)
	if f.honor {
		<-ctx.Done()
		return feed.Failure(feed.Timeout, ctx.Err())
	}
	<-f.release
	return feed.Success(nil)
}

func TestShutdownDuringFetch(t *testing.T) {
	for _, honor := range []bool{true, false} {
		name := "ignores context"
		if honor {
			name = "honors context"
		}
		t.Run(name, func(t *testing.T) {
			f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{}), honor: honor}
			defer close(f.release)
			p := &recordingPresenter{}
			opts := DefaultOptions()
			opts.ShutdownGrace = 100 * time.Millisecond
			s, err := New(f, p, "A27", opts)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()
			<-f.started
			begin := time.Now()
			cancel()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancellation")
			}
			assert.Less(t, time.Since(begin), time.Second)
			assert.Equal(t, []string{"clear"}, p.Kinds())
			assert.Equal(t, ShuttingDown, s.State())
		})
	}
}

func TestHungFetchTimesOut(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	defer close(f.release)
	m := &recordingMetrics{}
	opts := Options{
		PollInterval:  5 * time.Second,
		FetchTimeout:  20 * time.Millisecond,
		StaleAfter:    time.Minute,
		MaxBackoff:    time.Minute,
		Capacity:      3,
		ShutdownGrace: 20 * time.Millisecond,
	}
	s, err := New(f, &recordingPresenter{}, "A27", opts, WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == Backoff }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"timeout"}, m.polls)
}

func TestNewValidatesOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.FetchTimeout = opts.PollInterval
	_, err := New(&scriptedFetcher{}, &recordingPresenter{}, "A27", opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.MaxBackoff = time.Second
	_, err = New(&scriptedFetcher{}, &recordingPresenter{}, "A27", opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Horizon = -time.Minute
	_, err = New(&scriptedFetcher{}, &recordingPresenter{}, "A27", opts)
	assert.Error(t, err)

	_, err = New(&scriptedFetcher{}, &recordingPresenter{}, "", DefaultOptions())
	assert.Error(t, err)
}
