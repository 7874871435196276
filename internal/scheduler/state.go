package scheduler

import (
	"fmt"
	"time"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

type State int32

const (
	Initializing State = iota
	Polling
	Displaying
	Backoff
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Polling:
		return "polling"
	case Displaying:
		return "displaying"
	case Backoff:
		return "backoff"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DisplayState is the last summary committed to the surface. It is the only
// state carried between polls and is touched only by the Run goroutine.
type DisplayState struct {
	Summary       arrivals.Summary
	LastUpdatedAt time.Time
	Stale         bool
}

// frame tracks what the surface currently shows.
type frame int

const (
	frameSplash frame = iota
	frameFresh
	frameDegraded
	frameUnavailable
)

// Clock abstracts time so backoff and staleness can be driven in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Metrics receives scheduler observations. A nil Metrics disables them.
type Metrics interface {
	PollObserved(kind string, d time.Duration)
	RenderObserved(kind string)
	BackoffSet(d time.Duration)
	StaleSet(stale bool)
	SummarySet(s arrivals.Summary)
	LastSuccessSet(t time.Time)
	StateSet(s State)
}

type nopMetrics struct{}

func (nopMetrics) PollObserved(string, time.Duration) {}
func (nopMetrics) RenderObserved(string)              {}
func (nopMetrics) BackoffSet(time.Duration)           {}
func (nopMetrics) StaleSet(bool)                      {}
func (nopMetrics) SummarySet(arrivals.Summary)        {}
func (nopMetrics) LastSuccessSet(time.Time)           {}
func (nopMetrics) StateSet(State)                     {}
