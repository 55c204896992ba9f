package journey

import (
	"fmt"
	"log/slog"

	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/storage"
)

// Writes a built schedule and transfer table through w. Trips and
// stops are written in ascending ID order. The writer is closed on
// success.
func WriteIndex(w storage.IndexWriter, schedule *Schedule, transfers *TransferTable) error {
	if err := w.BeginVisits(); err != nil {
		return fmt.Errorf("beginning visits: %w", err)
	}
	for _, tripID := range schedule.TripIDs() {
		trip, _ := schedule.Trip(tripID)
		for _, visit := range trip.Visits {
			if err := w.WriteVisit(tripID, visit); err != nil {
				return fmt.Errorf("writing visit: %w", err)
			}
		}
	}
	if err := w.EndVisits(); err != nil {
		return fmt.Errorf("ending visits: %w", err)
	}

	if err := w.BeginBoardings(); err != nil {
		return fmt.Errorf("beginning boardings: %w", err)
	}
	for _, stopID := range schedule.StopIDs() {
		for _, b := range schedule.Boardings(stopID) {
			if err := w.WriteBoarding(stopID, b); err != nil {
				return fmt.Errorf("writing boarding: %w", err)
			}
		}
	}
	if err := w.EndBoardings(); err != nil {
		return fmt.Errorf("ending boardings: %w", err)
	}

	for _, rule := range transfers.Rules() {
		if err := w.WriteTransferRule(rule); err != nil {
			return fmt.Errorf("writing transfer rule: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("closing writer: %w", err)
	}

	return nil
}

// Loads a schedule and transfer table previously written with
// WriteIndex. Rules with a negative wait are logged and dropped. An
// index whose visit positions or boardings don't line up is rejected.
func LoadIndex(r storage.IndexReader, logger *slog.Logger) (*Schedule, *TransferTable, error) {
	logger = logging.OrDefault(logger)

	trips, err := r.Trips()
	if err != nil {
		return nil, nil, fmt.Errorf("loading trips: %w", err)
	}

	stopIndex, err := r.StopIndex()
	if err != nil {
		return nil, nil, fmt.Errorf("loading stop index: %w", err)
	}

	err = checkIndex(trips, stopIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("inconsistent index: %w", err)
	}

	rules, err := r.TransferRules()
	if err != nil {
		return nil, nil, fmt.Errorf("loading transfer rules: %w", err)
	}

	transfers := newTransferTable()
	for _, rule := range rules {
		if rule.MinWaitSec < 0 {
			logger.Warn("skipping transfer with negative wait",
				slog.String("key", rule.Key()),
				slog.Int("wait", rule.MinWaitSec))
			continue
		}
		transfers.put(rule.FromStopID, rule.ToStopID, rule.MinWaitSec)
	}

	return NewSchedule(trips, stopIndex), transfers, nil
}

// Visit positions must run 0, 1, 2... within each trip, and every
// boarding must point at a visit to its own stop.
func checkIndex(trips map[string]model.Trip, stopIndex map[string][]model.Boarding) error {
	for tripID, trip := range trips {
		for i, v := range trip.Visits {
			if v.Position != i {
				return fmt.Errorf("trip %s has position %d at index %d", tripID, v.Position, i)
			}
		}
	}

	for stopID, boardings := range stopIndex {
		for _, b := range boardings {
			trip, found := trips[b.TripID]
			if !found {
				return fmt.Errorf("stop %s boards unknown trip %s", stopID, b.TripID)
			}
			if b.Position < 0 || b.Position >= len(trip.Visits) {
				return fmt.Errorf("stop %s boards trip %s at missing position %d", stopID, b.TripID, b.Position)
			}
			if trip.Visits[b.Position].StopID != stopID {
				return fmt.Errorf("stop %s boards trip %s at position %d, which visits %s",
					stopID, b.TripID, b.Position, trip.Visits[b.Position].StopID)
			}
		}
	}

	return nil
}
