package journey

import (
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

// Finds every ride from board to alight departing at or after
// minDepartureSec.
//
// Each boarding at the board stop yields at most one Segment, ending
// at the first downstream visit to the alight stop. A trip visiting
// the board stop twice can therefore yield two segments. Segments are
// returned in stop index order. An unknown stop yields no segments.
func (s *Schedule) FindSegments(board, alight string, minDepartureSec int) []model.Segment {
	var segments []model.Segment

	for _, b := range s.stopIndex[board] {
		if b.DepartureSec < minDepartureSec {
			continue
		}

		trip, found := s.trips[b.TripID]
		if !found {
			continue
		}

		for pos := b.Position + 1; pos < len(trip.Visits); pos++ {
			visit := trip.Visits[pos]
			if visit.StopID != alight {
				continue
			}

			segments = append(segments, model.Segment{
				TripID:         b.TripID,
				BoardStopID:    board,
				BoardPosition:  b.Position,
				AlightStopID:   alight,
				AlightPosition: pos,
				DepartureTime:  parse.FormatTime(b.DepartureSec),
				ArrivalTime:    parse.FormatTime(visit.ArrivalSec),
				DepartureSec:   b.DepartureSec,
				ArrivalSec:     visit.ArrivalSec,
				StopCount:      pos - b.Position + 1,
			})
			break
		}
	}

	return segments
}
