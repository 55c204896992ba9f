package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Holds all external facing types and constants.

type TransferType int

const (
	TransferTypeRecommended TransferType = iota
	TransferTypeTimed
	TransferTypeMinimumTime
	TransferTypeNotPossible
)

// A row of stop_times.txt as found in the feed. Times and sequence
// are kept as text; decoding happens when the schedule is built.
type StopTimeRecord struct {
	TripID        string
	StopID        string
	ArrivalTime   string
	DepartureTime string
	StopSequence  string
}

// A row of transfers.txt as found in the feed.
type TransferRecord struct {
	FromStopID      string
	ToStopID        string
	TransferType    string
	MinTransferTime string
}

// A visit of a trip to a stop. Times are service day seconds, and
// may exceed 24h for trips running past midnight.
type StopVisit struct {
	StopID       string `json:"stop_id"`
	Position     int    `json:"position"`
	ArrivalSec   int    `json:"arrival_sec"`
	DepartureSec int    `json:"departure_sec"`
}

// A single scheduled vehicle run. Visits are ordered by position.
type Trip struct {
	ID     string
	Visits []StopVisit
}

// A boarding opportunity at a stop: trip, position of the visit
// within the trip, and the visit's departure and arrival times.
type Boarding struct {
	TripID       string
	Position     int
	DepartureSec int
	ArrivalSec   int
}

// Boardings are serialized as [trip_id, position, departure, arrival].
func (b Boarding) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{b.TripID, b.Position, b.DepartureSec, b.ArrivalSec})
}

func (b *Boarding) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 4 {
		return fmt.Errorf("boarding has %d fields, want 4", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &b.TripID); err != nil {
		return fmt.Errorf("trip_id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &b.Position); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &b.DepartureSec); err != nil {
		return fmt.Errorf("departure: %w", err)
	}
	if err := json.Unmarshal(tuple[3], &b.ArrivalSec); err != nil {
		return fmt.Errorf("arrival: %w", err)
	}
	return nil
}

const transferKeySep = " to "

// Minimum time needed to walk from one stop to another.
type TransferRule struct {
	FromStopID string `json:"from_stop_id"`
	ToStopID   string `json:"to_stop_id"`
	MinWaitSec int    `json:"min_wait_sec"`
}

// Key is the "<from> to <to>" form used in the persisted transfer
// table.
func (r TransferRule) Key() string {
	return r.FromStopID + transferKeySep + r.ToStopID
}

// Splits a "<from> to <to>" key.
func ParseTransferKey(key string) (string, string, error) {
	parts := strings.Split(key, transferKeySep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed transfer key '%s'", key)
	}
	return parts[0], parts[1], nil
}

// A ride on a single trip from a board stop to an alight stop.
type Segment struct {
	TripID         string `json:"trip_id"`
	BoardStopID    string `json:"board_stop_id"`
	BoardPosition  int    `json:"board_position"`
	AlightStopID   string `json:"alight_stop_id"`
	AlightPosition int    `json:"alight_position"`
	DepartureTime  string `json:"departure_time"`
	ArrivalTime    string `json:"arrival_time"`
	DepartureSec   int    `json:"departure_sec"`
	ArrivalSec     int    `json:"arrival_sec"`
	StopCount      int    `json:"stop_count"`
}

// Either a single leg, or two legs joined by a transfer.
type Itinerary struct {
	Legs     []Segment     `json:"legs"`
	Transfer *TransferRule `json:"transfer,omitempty"`
}

func (it Itinerary) IsDirect() bool {
	return len(it.Legs) == 1
}

// Departure of the first leg.
func (it Itinerary) DepartureSec() int {
	if len(it.Legs) == 0 {
		return 0
	}
	return it.Legs[0].DepartureSec
}

// Arrival of the last leg.
func (it Itinerary) ArrivalSec() int {
	if len(it.Legs) == 0 {
		return 0
	}
	return it.Legs[len(it.Legs)-1].ArrivalSec
}
