package arrivals

import (
	"fmt"
	"time"
)

// StopID identifies a physical stop, e.g. "A27" for an NYCT parent station.
type StopID string

type Direction int

const (
	Uptown Direction = iota
	Downtown
)

// Directions returns every direction in display order.
func Directions() []Direction { return []Direction{Uptown, Downtown} }

func (d Direction) String() string {
	switch d {
	case Uptown:
		return "UPTOWN"
	case Downtown:
		return "DOWNTOWN"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Short is the compact label used on narrow displays.
func (d Direction) Short() string {
	switch d {
	case Uptown:
		return "UP"
	case Downtown:
		return "DN"
	default:
		return "??"
	}
}

func (d Direction) valid() bool { return d == Uptown || d == Downtown }

// Event is one predicted arrival at the configured stop.
// PredictedTime may already be in the past when the feed lags.
type Event struct {
	TripID        string
	RouteID       string
	Direction     Direction
	PredictedTime time.Time
}

type Entry struct {
	Minutes int    // whole minutes until arrival, always > 0
	RouteID string // display label only
}

// Summary holds, for each direction, the soonest arrivals in ascending order.
// Both directions are always present; a direction with nothing due maps to an
// empty slice.
type Summary struct {
	PerDirection map[Direction][]Entry
}

// Minutes returns the minutes-until-arrival sequence for d.
func (s Summary) Minutes(d Direction) []int {
	entries := s.PerDirection[d]
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Minutes
	}
	return out
}

// Equal reports whether both summaries would produce the same frame.
func (s Summary) Equal(o Summary) bool {
	for _, d := range Directions() {
		a, b := s.PerDirection[d], o.PerDirection[d]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// Count returns the number of entries across all directions.
func (s Summary) Count() int {
	n := 0
	for _, entries := range s.PerDirection {
		n += len(entries)
	}
	return n
}
