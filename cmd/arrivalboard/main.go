package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
	"github.com/ponytojas/arrivalboard/internal/config"
	"github.com/ponytojas/arrivalboard/internal/display"
	"github.com/ponytojas/arrivalboard/internal/feed"
	"github.com/ponytojas/arrivalboard/internal/metrics"
	"github.com/ponytojas/arrivalboard/internal/publisher"
	"github.com/ponytojas/arrivalboard/internal/scheduler"
	"github.com/ponytojas/arrivalboard/internal/stops"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <stop-id>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 || flag.Arg(0) == "" {
		flag.Usage()
		os.Exit(1)
	}
	stop := arrivals.StopID(flag.Arg(0))

	if err := run(stop); err != nil {
		log.Fatalf("board stopped: %v", err)
	}
	log.Println("shutdown complete")
}

func run(stop arrivals.StopID) error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	station, err := lookupStation(ctx, cfg, stop)
	if err != nil {
		return err
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval, cfg.StaleAfter)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	surface, err := display.NewTextSurface(os.Stdout, cfg.DisplayCols, cfg.DisplayRows)
	if err != nil {
		return fmt.Errorf("render surface: %w", err)
	}
	var presenter scheduler.Presenter = display.NewPresenter(surface, station.Name,
		display.WithLocation(cfg.Location),
		display.WithRoutes(station.Routes),
	)

	// Optional NATS mirror of every committed frame
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer pub.Close()
		presenter = publisher.NewMirror(presenter, pub, stop)
		log.Printf("mirroring frames to %s", pub.Subject(string(stop)))
	}

	urls := cfg.FeedURLs
	if len(urls) == 0 {
		urls = feed.SubwayFeedURLs()
	}
	client := feed.NewClient(cfg.APIKey, urls)

	sched, err := scheduler.New(client, presenter, stop, cfg.SchedulerOptions(), scheduler.WithMetrics(wrapSchedulerMetrics(mcol)))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return sched.Run(ctx)
}

// lookupStation resolves the header name and routes for stop. A missing directory entry
// or an unreachable database falls back to the stop id.
func lookupStation(ctx context.Context, cfg *config.Config, stop arrivals.StopID) (stops.Stop, error) {
	fallback := stops.Stop{ID: stop, Name: string(stop)}
	var dir stops.Directory
	switch {
	case cfg.StopsFile != "":
		t, err := stops.LoadFile(cfg.StopsFile)
		if err != nil {
			return stops.Stop{}, err
		}
		dir = t
	case cfg.DatabaseURL != "":
		pg, err := stops.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return stops.Stop{}, fmt.Errorf("db open error: %w", err)
		}
		defer pg.Close()
		if err := pg.Ping(ctx); err != nil {
			log.Printf("db ping error: %v; using stop id as station name", err)
			return fallback, nil
		}
		dir = pg
	}

	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := stops.Resolve(lctx, dir, stop)
	if err != nil {
		log.Printf("lookup stop %s: %v; using stop id as station name", stop, err)
		return fallback, nil
	}
	log.Printf("station %q for stop %s (routes %v)", s.Name, stop, s.Routes)
	return s, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

// wrapSchedulerMetrics adapts our Collector to the scheduler's Metrics interface.
func wrapSchedulerMetrics(c *metrics.Collector) scheduler.Metrics {
	if c == nil {
		return nil
	}
	return &schedMetrics{c: c}
}

type schedMetrics struct{ c *metrics.Collector }

func (s *schedMetrics) PollObserved(kind string, d time.Duration) {
	s.c.Polls.WithLabelValues(kind).Inc()
	s.c.FetchDuration.Observe(d.Seconds())
}

func (s *schedMetrics) RenderObserved(kind string)  { s.c.Renders.WithLabelValues(kind).Inc() }
func (s *schedMetrics) BackoffSet(d time.Duration)  { s.c.BackoffSeconds.Set(d.Seconds()) }
func (s *schedMetrics) StaleSet(stale bool)         { s.c.SetStale(stale) }
func (s *schedMetrics) LastSuccessSet(t time.Time)  { s.c.SetLastSuccess(t) }
func (s *schedMetrics) StateSet(st scheduler.State) { s.c.SetState(st.String()) }

func (s *schedMetrics) SummarySet(sum arrivals.Summary) {
	for _, d := range arrivals.Directions() {
		s.c.Arrivals.WithLabelValues(d.String()).Set(float64(len(sum.PerDirection[d])))
	}
}
