package arrivals

import (
	"sort"
	"time"
)

type tripKey struct {
	dir  Direction
	trip string
}

type candidate struct {
	Entry
	tripID string
}

// Summarize reduces a batch of events into at most capacity entries per
// direction, soonest first. Duplicate trips within a direction collapse onto
// their earliest prediction, and arrivals already due are dropped before
// capping.
func Summarize(events []Event, now time.Time, capacity int) Summary {
	return SummarizeWithin(events, now, capacity, 0)
}

// SummarizeWithin is Summarize restricted to arrivals no further than horizon
// from now. A horizon of zero or less disables the limit.
func SummarizeWithin(events []Event, now time.Time, capacity int, horizon time.Duration) Summary {
	earliest := make(map[tripKey]Event, len(events))
	for _, ev := range events {
		if !ev.Direction.valid() {
			continue
		}
		k := tripKey{dir: ev.Direction, trip: ev.TripID}
		if prev, ok := earliest[k]; ok && !ev.PredictedTime.Before(prev.PredictedTime) {
			continue
		}
		earliest[k] = ev
	}

	byDir := make(map[Direction][]candidate, 2)
	for _, ev := range earliest {
		if horizon > 0 && ev.PredictedTime.Sub(now) > horizon {
			continue
		}
		mins := minutesUntil(ev.PredictedTime, now)
		if mins <= 0 {
			continue
		}
		byDir[ev.Direction] = append(byDir[ev.Direction], candidate{
			Entry:  Entry{Minutes: mins, RouteID: ev.RouteID},
			tripID: ev.TripID,
		})
	}

	out := Summary{PerDirection: make(map[Direction][]Entry, 2)}
	for _, d := range Directions() {
		cands := byDir[d]
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].Minutes != cands[j].Minutes {
				return cands[i].Minutes < cands[j].Minutes
			}
			return cands[i].tripID < cands[j].tripID
		})
		n := len(cands)
		if capacity < n {
			n = capacity
		}
		if n < 0 {
			n = 0
		}
		entries := make([]Entry, n)
		for i := 0; i < n; i++ {
			entries[i] = cands[i].Entry
		}
		out.PerDirection[d] = entries
	}
	return out
}

// minutesUntil rounds up, so a train 61s out shows as 2 and one 10s out as 1.
func minutesUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
