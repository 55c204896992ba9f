package journey

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

// Schedule is an index over all trips in a feed: each trip's stop
// visits in order, and for each stop every opportunity to board a
// trip there.
//
// A Schedule is never modified after construction and can be shared
// between goroutines.
type Schedule struct {
	trips     map[string]model.Trip
	stopIndex map[string][]model.Boarding
}

// Counts from a schedule build.
type BuildStats struct {
	Records int
	Skipped int
	Trips   int
	Stops   int
}

type rankedVisit struct {
	seq    float64
	stopID string
	arr    int
	dep    int
}

// Builds a Schedule from raw stop_times records.
//
// Records are grouped by trip and ordered by the numeric value of
// stop_sequence. Positions are assigned by rank, so sequence numbers
// need not be contiguous or start at zero. Records with unparsable
// times or sequence numbers are logged and skipped.
func BuildSchedule(records []model.StopTimeRecord, logger *slog.Logger) (*Schedule, BuildStats) {
	logger = logging.OrDefault(logger)

	stats := BuildStats{Records: len(records)}

	byTrip := map[string][]rankedVisit{}
	for i, r := range records {
		seq, err := parseSequence(r.StopSequence)
		if err != nil {
			logger.Warn("skipping stop_time with bad stop_sequence",
				slog.Int("row", i+1),
				slog.String("trip_id", r.TripID),
				slog.String("error", err.Error()))
			stats.Skipped++
			continue
		}

		arr, err := parse.ParseTime(r.ArrivalTime)
		if err != nil {
			logger.Warn("skipping stop_time with bad arrival_time",
				slog.Int("row", i+1),
				slog.String("trip_id", r.TripID),
				slog.String("error", err.Error()))
			stats.Skipped++
			continue
		}

		dep, err := parse.ParseTime(r.DepartureTime)
		if err != nil {
			logger.Warn("skipping stop_time with bad departure_time",
				slog.Int("row", i+1),
				slog.String("trip_id", r.TripID),
				slog.String("error", err.Error()))
			stats.Skipped++
			continue
		}

		byTrip[r.TripID] = append(byTrip[r.TripID], rankedVisit{
			seq:    seq,
			stopID: r.StopID,
			arr:    arr,
			dep:    dep,
		})
	}

	tripIDs := make([]string, 0, len(byTrip))
	for tripID := range byTrip {
		tripIDs = append(tripIDs, tripID)
	}
	sort.Strings(tripIDs)

	s := &Schedule{
		trips:     make(map[string]model.Trip, len(byTrip)),
		stopIndex: map[string][]model.Boarding{},
	}

	for _, tripID := range tripIDs {
		visits := byTrip[tripID]
		sort.SliceStable(visits, func(i, j int) bool {
			return visits[i].seq < visits[j].seq
		})

		trip := model.Trip{
			ID:     tripID,
			Visits: make([]model.StopVisit, len(visits)),
		}
		for pos, v := range visits {
			trip.Visits[pos] = model.StopVisit{
				StopID:       v.stopID,
				Position:     pos,
				ArrivalSec:   v.arr,
				DepartureSec: v.dep,
			}
			s.stopIndex[v.stopID] = append(s.stopIndex[v.stopID], model.Boarding{
				TripID:       tripID,
				Position:     pos,
				DepartureSec: v.dep,
				ArrivalSec:   v.arr,
			})
		}
		s.trips[tripID] = trip
	}

	stats.Trips = len(s.trips)
	stats.Stops = len(s.stopIndex)

	return s, stats
}

// Creates a Schedule from previously built trips and stop index,
// e.g. as loaded from storage. The maps are owned by the Schedule
// from here on.
func NewSchedule(trips map[string]model.Trip, stopIndex map[string][]model.Boarding) *Schedule {
	if trips == nil {
		trips = map[string]model.Trip{}
	}
	if stopIndex == nil {
		stopIndex = map[string][]model.Boarding{}
	}
	return &Schedule{
		trips:     trips,
		stopIndex: stopIndex,
	}
}

// Parses stop_sequence. Integer-like values such as "4.0" are
// accepted since some exports write every number as a float.
func parseSequence(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, strconv.ErrSyntax
	}
	return f, nil
}

func (s *Schedule) Trip(tripID string) (model.Trip, bool) {
	trip, ok := s.trips[tripID]
	return trip, ok
}

// All boarding opportunities at a stop. The returned slice must not
// be modified.
func (s *Schedule) Boardings(stopID string) []model.Boarding {
	return s.stopIndex[stopID]
}

// Trip IDs in ascending order.
func (s *Schedule) TripIDs() []string {
	ids := make([]string, 0, len(s.trips))
	for id := range s.trips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop IDs in ascending order.
func (s *Schedule) StopIDs() []string {
	ids := make([]string, 0, len(s.stopIndex))
	for id := range s.stopIndex {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Schedule) NumTrips() int {
	return len(s.trips)
}

func (s *Schedule) NumStops() int {
	return len(s.stopIndex)
}
