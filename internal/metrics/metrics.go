package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Polls         *prometheus.CounterVec // kind label: success|network|timeout|...
	FetchDuration prometheus.Histogram
	Renders       *prometheus.CounterVec // kind label: summary|degraded|unavailable

	BackoffSeconds prometheus.Gauge
	Stale          prometheus.Gauge
	LastSuccess    prometheus.Gauge     // unix seconds
	Arrivals       *prometheus.GaugeVec // direction label
	State          *prometheus.GaugeVec // state label, 1 for the current state

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
	StaleAfter   prometheus.Gauge // seconds

	mu     sync.Mutex
	health Health
}

// Health is the board status reported by /healthz.
type Health struct {
	State       string    `json:"state"`
	Stale       bool      `json:"stale"`
	LastSuccess time.Time `json:"lastSuccess"`
}

func NewCollector(pollInterval, staleAfter time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivalboard_polls_total",
			Help: "Feed polls by outcome kind.",
		}, []string{"kind"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arrivalboard_fetch_duration_seconds",
			Help:    "Duration of feed fetches, including decoding.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrivalboard_renders_total",
			Help: "Frames committed to the display by kind.",
		}, []string{"kind"}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_backoff_seconds",
			Help: "Current retry delay after failed polls, 0 when healthy.",
		}),
		Stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_stale",
			Help: "1 if the displayed data is older than the stale threshold.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll.",
		}),
		Arrivals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arrivalboard_arrivals_shown",
			Help: "Arrivals currently shown per direction.",
		}, []string{"direction"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arrivalboard_state",
			Help: "Refresh scheduler state, 1 for the current one.",
		}, []string{"state"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivalboard_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arrivalboard_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arrivalboard_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_poll_interval_seconds",
			Help: "Poll interval in seconds.",
		}),
		StaleAfter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arrivalboard_stale_after_seconds",
			Help: "Stale threshold in seconds.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.FetchDuration, c.Renders,
		c.BackoffSeconds, c.Stale, c.LastSuccess, c.Arrivals, c.State,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.PollInterval, c.StaleAfter,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.StaleAfter.Set(staleAfter.Seconds())

	return c
}

func (c *Collector) SetState(name string) {
	c.State.Reset()
	c.State.WithLabelValues(name).Set(1)
	c.mu.Lock()
	c.health.State = name
	c.mu.Unlock()
}

func (c *Collector) SetStale(stale bool) {
	if stale {
		c.Stale.Set(1)
	} else {
		c.Stale.Set(0)
	}
	c.mu.Lock()
	c.health.Stale = stale
	c.mu.Unlock()
}

func (c *Collector) SetLastSuccess(t time.Time) {
	c.LastSuccess.Set(float64(t.Unix()))
	c.mu.Lock()
	c.health.LastSuccess = t
	c.mu.Unlock()
}

func (c *Collector) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Router exposes /metrics and /healthz. /healthz answers 503 while the board
// shows stale data.
func (c *Collector) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", c.Handler()).Methods("GET")
	r.HandleFunc("/healthz", c.handleHealth).Methods("GET")
	return r
}

func (c *Collector) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := c.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Stale {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		log.Printf("healthz encode: %v", err)
	}
}

// Serve starts an HTTP server exposing the admin router on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: c.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
