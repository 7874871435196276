package feed

import (
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

// EventsForStop extracts one event per stop-time update that targets stop.
// NYCT encodes direction as a platform suffix on the parent stop id ("A27N",
// "A27S"); an exact match falls back to the trip's direction_id.
func EventsForStop(msg *gtfsrt.FeedMessage, stop arrivals.StopID) []arrivals.Event {
	prefix := string(stop)
	var events []arrivals.Event
	for _, ent := range msg.GetEntity() {
		tu := ent.GetTripUpdate()
		if tu == nil {
			continue
		}
		trip := tu.GetTrip()
		tripID := trip.GetTripId()
		if tripID == "" {
			tripID = ent.GetId()
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			sid := stu.GetStopId()
			if !strings.HasPrefix(sid, prefix) {
				continue
			}
			if stu.GetScheduleRelationship() == gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED {
				continue
			}
			dir, ok := direction(sid[len(prefix):], trip)
			if !ok {
				continue
			}
			when, ok := predictedTime(stu)
			if !ok {
				continue
			}
			events = append(events, arrivals.Event{
				TripID:        tripID,
				RouteID:       trip.GetRouteId(),
				Direction:     dir,
				PredictedTime: when,
			})
		}
	}
	return events
}

func direction(suffix string, trip *gtfsrt.TripDescriptor) (arrivals.Direction, bool) {
	switch suffix {
	case "N":
		return arrivals.Uptown, true
	case "S":
		return arrivals.Downtown, true
	case "":
		if trip == nil || trip.DirectionId == nil {
			return 0, false
		}
		switch trip.GetDirectionId() {
		case 0:
			return arrivals.Uptown, true
		case 1:
			return arrivals.Downtown, true
		}
	}
	return 0, false
}

func predictedTime(stu *gtfsrt.TripUpdate_StopTimeUpdate) (time.Time, bool) {
	if t := stu.GetArrival().GetTime(); t > 0 {
		return time.Unix(t, 0), true
	}
	if t := stu.GetDeparture().GetTime(); t > 0 {
		return time.Unix(t, 0), true
	}
	return time.Time{}, false
}
