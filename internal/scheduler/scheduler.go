package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
	"github.com/ponytojas/arrivalboard/internal/feed"
)

var (
	// ErrRenderSurface wraps any presenter failure; the board is useless
	// without a display, so Run stops.
	ErrRenderSurface = errors.New("render surface fault")
	// ErrAuthRejected is returned when the feed rejects the credential before
	// any poll has succeeded.
	ErrAuthRejected = errors.New("feed credential rejected")
)

type Fetcher interface {
	Fetch(ctx context.Context, stop arrivals.StopID) feed.Outcome
}

type Presenter interface {
	Ready(ctx context.Context) error
	Render(summary arrivals.Summary, stale bool) error
	RenderUnavailable() error
	Clear() error
}

type Options struct {
	PollInterval  time.Duration
	FetchTimeout  time.Duration
	StaleAfter    time.Duration
	MaxBackoff    time.Duration
	Capacity      int
	ShutdownGrace time.Duration
	// Horizon hides arrivals further out than this; zero shows them all.
	Horizon time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:  30 * time.Second,
		FetchTimeout:  10 * time.Second,
		StaleAfter:    2 * time.Minute,
		MaxBackoff:    5 * time.Minute,
		Capacity:      3,
		ShutdownGrace: 2 * time.Second,
	}
}

func (o Options) Validate() error {
	switch {
	case o.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", o.PollInterval)
	case o.FetchTimeout <= 0 || o.FetchTimeout >= o.PollInterval:
		return fmt.Errorf("fetch timeout %s must be positive and below poll interval %s", o.FetchTimeout, o.PollInterval)
	case o.MaxBackoff < o.PollInterval:
		return fmt.Errorf("max backoff %s is below poll interval %s", o.MaxBackoff, o.PollInterval)
	case o.StaleAfter <= 0:
		return fmt.Errorf("stale threshold must be positive, got %s", o.StaleAfter)
	case o.Capacity <= 0:
		return fmt.Errorf("capacity must be positive, got %d", o.Capacity)
	case o.ShutdownGrace < 0:
		return fmt.Errorf("shutdown grace must not be negative, got %s", o.ShutdownGrace)
	case o.Horizon < 0:
		return fmt.Errorf("horizon must not be negative, got %s", o.Horizon)
	}
	return nil
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler polls the feed for one stop and drives the presenter. All of its
// fields except state are owned by the goroutine running Run.
type Scheduler struct {
	fetcher   Fetcher
	presenter Presenter
	stop      arrivals.StopID
	opts      Options
	clock     Clock
	metrics   Metrics

	state     atomic.Int32
	display   DisplayState
	shown     frame
	backoff   *backoff.ExponentialBackOff
	startedAt time.Time
	succeeded bool
	// rejected is set once a non-transient failure has been reported in the
	// current failure streak.
	rejected bool
}

func New(fetcher Fetcher, presenter Presenter, stop arrivals.StopID, opts Options, options ...Option) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if stop == "" {
		return nil, errors.New("stop id is required")
	}
	s := &Scheduler{
		fetcher:   fetcher,
		presenter: presenter,
		stop:      stop,
		opts:      opts,
		clock:     realClock{},
		metrics:   nopMetrics{},
	}
	for _, o := range options {
		o(s)
	}

	// Deterministic doubling from the poll interval up to the cap.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.PollInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	s.backoff = b

	return s, nil
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.StateSet(st)
}

// Run drives the board until ctx is cancelled, returning nil on a clean
// shutdown, including one that arrives before the splash frame is up. It
// returns an error wrapping ErrRenderSurface or ErrAuthRejected when the board
// cannot continue.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(Initializing)
	s.startedAt = s.clock.Now()
	if err := s.presenter.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		return fmt.Errorf("%w: %v", ErrRenderSurface, err)
	}
	log.Printf("board ready for stop %s (poll every %s, stale after %s)", s.stop, s.opts.PollInterval, s.opts.StaleAfter)

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		s.setState(Polling)
		start := s.clock.Now()
		out, ok := s.poll(ctx)
		if !ok {
			return s.shutdown()
		}

		var wait time.Duration
		if out.OK() {
			s.setState(Displaying)
			if err := s.show(out.Events); err != nil {
				return err
			}
			wait = s.opts.PollInterval
		} else {
			s.setState(Backoff)
			var err error
			if wait, err = s.fail(out.Failure); err != nil {
				return err
			}
		}

		delay := start.Add(wait).Sub(s.clock.Now())
		if delay < 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.clock.After(delay):
		}
	}
}

// poll runs one fetch on its own goroutine so that cancellation is observed
// while the network call is outstanding. ok is false when ctx was cancelled;
// the fetch result, if any, is then discarded.
func (s *Scheduler) poll(ctx context.Context) (out feed.Outcome, ok bool) {
	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	start := s.clock.Now()
	results := make(chan feed.Outcome, 1)
	go func() { results <- s.fetcher.Fetch(fctx, s.stop) }()

	select {
	case out = <-results:
	case <-ctx.Done():
		cancel()
		s.abandon(results)
		return feed.Outcome{}, false
	case <-fctx.Done():
		select {
		case out = <-results:
		case <-ctx.Done():
			s.abandon(results)
			return feed.Outcome{}, false
		case <-s.clock.After(s.opts.ShutdownGrace):
			out = feed.Failure(feed.Timeout, fmt.Errorf("fetch did not return within %s", s.opts.FetchTimeout))
		}
	}
	if ctx.Err() != nil {
		return feed.Outcome{}, false
	}
	s.metrics.PollObserved(out.Kind(), s.clock.Now().Sub(start))
	return out, true
}

func (s *Scheduler) abandon(results <-chan feed.Outcome) {
	select {
	case <-results:
	case <-s.clock.After(s.opts.ShutdownGrace):
		log.Printf("abandoning in-flight fetch after %s", s.opts.ShutdownGrace)
	}
}

func (s *Scheduler) show(events []arrivals.Event) error {
	now := s.clock.Now()
	summary := arrivals.SummarizeWithin(events, now, s.opts.Capacity, s.opts.Horizon)

	s.succeeded = true
	s.rejected = false
	s.backoff.Reset()
	s.metrics.BackoffSet(0)
	s.metrics.LastSuccessSet(now)

	if s.shown == frameFresh && summary.Equal(s.display.Summary) {
		// Same frame, fresher data.
		s.display.LastUpdatedAt = now
		return nil
	}
	if err := s.presenter.Render(summary, false); err != nil {
		return fmt.Errorf("%w: %v", ErrRenderSurface, err)
	}
	s.display = DisplayState{Summary: summary, LastUpdatedAt: now}
	s.shown = frameFresh
	s.metrics.RenderObserved("summary")
	s.metrics.SummarySet(summary)
	s.metrics.StaleSet(false)
	log.Printf("rendered %d arrivals for stop %s", summary.Count(), s.stop)
	return nil
}

// fail applies the failure policy and returns how long after the failed
// poll's start the next attempt should begin.
func (s *Scheduler) fail(fe *feed.Error) (time.Duration, error) {
	if fe.Kind == feed.Auth && !s.succeeded {
		if err := s.presenter.Clear(); err != nil {
			log.Printf("clear surface: %v", err)
		}
		return 0, fmt.Errorf("%w: %v", ErrAuthRejected, fe)
	}
	if !fe.Kind.Transient() && !s.rejected {
		s.rejected = true
		log.Printf("feed rejected the request (%s): %v; retries will keep failing until this is fixed", fe.Kind, fe.Err)
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop || delay < s.opts.PollInterval {
		delay = s.opts.PollInterval
	}
	s.metrics.BackoffSet(delay)
	log.Printf("poll failed (%s): %v; retrying in %s", fe.Kind, fe.Err, delay)

	now := s.clock.Now()
	since := s.startedAt
	if s.succeeded {
		since = s.display.LastUpdatedAt
	}

	switch {
	case now.Sub(since) > s.opts.StaleAfter:
		s.display.Stale = true
		s.metrics.StaleSet(true)
		if s.shown == frameUnavailable {
			break
		}
		if err := s.presenter.RenderUnavailable(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRenderSurface, err)
		}
		s.shown = frameUnavailable
		s.metrics.RenderObserved("unavailable")
		log.Printf("no data for %s; showing unavailable", now.Sub(since).Truncate(time.Second))
	case s.shown == frameFresh:
		if err := s.presenter.Render(s.display.Summary, true); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRenderSurface, err)
		}
		s.shown = frameDegraded
		s.metrics.RenderObserved("degraded")
	}
	return delay, nil
}

func (s *Scheduler) shutdown() error {
	s.setState(ShuttingDown)
	log.Printf("shutting down board for stop %s", s.stop)
	if err := s.presenter.Clear(); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrRenderSurface, err)
	}
	return nil
}
