package journey

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/testutil"
)

func TestFindSegmentsBasic(t *testing.T) {
	s := buildSchedule(t, testutil.StopTimes("T1",
		[3]string{"A", "08:00:00", "08:00:00"},
		[3]string{"B", "08:10:00", "08:10:30"},
		[3]string{"C", "08:20:00", "08:20:00"},
	))

	assert.Equal(t, []model.Segment{{
		TripID:         "T1",
		BoardStopID:    "A",
		BoardPosition:  0,
		AlightStopID:   "C",
		AlightPosition: 2,
		DepartureTime:  "08:00:00",
		ArrivalTime:    "08:20:00",
		DepartureSec:   28800,
		ArrivalSec:     30000,
		StopCount:      3,
	}}, s.FindSegments("A", "C", 28800))

	// Departure is the board stop's departure, not arrival
	segments := s.FindSegments("B", "C", 0)
	require.Equal(t, 1, len(segments))
	assert.Equal(t, "08:10:30", segments[0].DepartureTime)
	assert.Equal(t, 2, segments[0].StopCount)

	// Backwards is no ride
	assert.Empty(t, s.FindSegments("C", "A", 0))

	// Same stop is no ride
	assert.Empty(t, s.FindSegments("A", "A", 0))

	// Unknown stops
	assert.Empty(t, s.FindSegments("nope", "C", 0))
	assert.Empty(t, s.FindSegments("A", "nope", 0))
}

func TestFindSegmentsThreshold(t *testing.T) {
	s := buildSchedule(t,
		testutil.StopTimes("early",
			[3]string{"A", "07:59:59", "07:59:59"},
			[3]string{"B", "08:30:00", "08:30:00"},
		),
		testutil.StopTimes("ontime",
			[3]string{"A", "08:00:00", "08:00:00"},
			[3]string{"B", "08:30:00", "08:30:00"},
		),
	)

	segments := s.FindSegments("A", "B", 28800)
	require.Equal(t, 1, len(segments))
	assert.Equal(t, "ontime", segments[0].TripID)

	assert.Equal(t, 2, len(s.FindSegments("A", "B", 28799)))
	assert.Empty(t, s.FindSegments("A", "B", 28801))
}

func TestFindSegmentsThresholdUsesDeparture(t *testing.T) {
	// Arrives before the threshold, departs after it
	s := buildSchedule(t, testutil.StopTimes("t",
		[3]string{"A", "07:58:00", "08:02:00"},
		[3]string{"B", "08:30:00", "08:30:00"},
	))

	assert.Equal(t, 1, len(s.FindSegments("A", "B", 28800)))
}

func TestFindSegmentsLoopRoute(t *testing.T) {
	// A, B, A, B, C: boarding at A twice, B visited twice.
	s := buildSchedule(t, testutil.StopTimes("loop",
		[3]string{"A", "08:00:00", "08:00:00"},
		[3]string{"B", "08:10:00", "08:10:00"},
		[3]string{"A", "08:20:00", "08:20:00"},
		[3]string{"B", "08:30:00", "08:30:00"},
		[3]string{"C", "08:40:00", "08:40:00"},
	))

	segments := s.FindSegments("A", "B", 0)
	require.Equal(t, 2, len(segments))

	// Each boarding alights at the nearest downstream B
	assert.Equal(t, 0, segments[0].BoardPosition)
	assert.Equal(t, 1, segments[0].AlightPosition)
	assert.Equal(t, "08:10:00", segments[0].ArrivalTime)
	assert.Equal(t, 2, segments[1].BoardPosition)
	assert.Equal(t, 3, segments[1].AlightPosition)
	assert.Equal(t, "08:30:00", segments[1].ArrivalTime)

	// Only the second boarding after 08:15
	segments = s.FindSegments("A", "B", 29700)
	require.Equal(t, 1, len(segments))
	assert.Equal(t, 2, segments[0].BoardPosition)

	// B to A only from the first B
	segments = s.FindSegments("B", "A", 0)
	require.Equal(t, 1, len(segments))
	assert.Equal(t, 1, segments[0].BoardPosition)
	assert.Equal(t, 2, segments[0].AlightPosition)
}

func TestFindSegmentsSingleStopTrip(t *testing.T) {
	s := buildSchedule(t, testutil.StopTimes("lonely", [3]string{"A", "08:00:00", "08:00:00"}))
	assert.Empty(t, s.FindSegments("A", "A", 0))
	assert.Empty(t, s.FindSegments("A", "B", 0))
}

// A larger schedule where every trip runs a different subset of a
// ring of stops, some of them twice.
func ringSchedule(t *testing.T) *Schedule {
	records := []model.StopTimeRecord{}
	for trip := 0; trip < 30; trip++ {
		start := 6*3600 + trip*600
		length := 5 + trip%9
		for i := 0; i < length; i++ {
			stop := fmt.Sprintf("S%d", (trip+i*(1+trip%3))%12)
			sec := start + i*240
			records = append(records, model.StopTimeRecord{
				TripID:        fmt.Sprintf("trip%02d", trip),
				StopID:        stop,
				ArrivalTime:   fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec/60%60, sec%60),
				DepartureTime: fmt.Sprintf("%02d:%02d:%02d", (sec+30)/3600, (sec+30)/60%60, (sec+30)%60),
				StopSequence:  fmt.Sprintf("%d", i*10),
			})
		}
	}
	s, stats := BuildSchedule(records, quietLogger)
	require.Equal(t, 0, stats.Skipped)
	return s
}

func TestFindSegmentsProperties(t *testing.T) {
	s := ringSchedule(t)

	for _, min := range []int{0, 7 * 3600, 8*3600 + 1234, 11 * 3600} {
		for a := 0; a < 12; a++ {
			for b := 0; b < 12; b++ {
				board := fmt.Sprintf("S%d", a)
				alight := fmt.Sprintf("S%d", b)

				seen := map[[2]interface{}]bool{}
				for _, seg := range s.FindSegments(board, alight, min) {
					assert.GreaterOrEqual(t, seg.DepartureSec, min)
					assert.Greater(t, seg.AlightPosition, seg.BoardPosition)
					assert.Equal(t, seg.AlightPosition-seg.BoardPosition+1, seg.StopCount)

					// One segment per boarding
					key := [2]interface{}{seg.TripID, seg.BoardPosition}
					assert.False(t, seen[key])
					seen[key] = true

					// Nearest downstream alight
					trip, _ := s.Trip(seg.TripID)
					assert.Equal(t, board, trip.Visits[seg.BoardPosition].StopID)
					assert.Equal(t, alight, trip.Visits[seg.AlightPosition].StopID)
					for pos := seg.BoardPosition + 1; pos < seg.AlightPosition; pos++ {
						assert.NotEqual(t, alight, trip.Visits[pos].StopID)
					}
				}
			}
		}
	}
}
