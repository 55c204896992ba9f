package parse

import (
	"fmt"
	"strconv"

	"github.com/jamespfennell/gtfs"

	"tidbyt.dev/journey/model"
)

// Parses a complete GTFS feed with full referential checks, then
// flattens it into the same records ParseFeed produces. Slower and
// stricter than ParseFeed: trips whose route, service or stops are
// invalid are dropped by the GTFS parser.
func ParseFullFeed(buf []byte) (*Feed, error) {
	static, err := gtfs.ParseStatic(buf, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("parsing gtfs: %w", err)
	}

	return FeedFromStatic(static), nil
}

func FeedFromStatic(static *gtfs.Static) *Feed {
	feed := &Feed{}

	for _, trip := range static.Trips {
		for _, st := range trip.StopTimes {
			if st.Stop == nil {
				continue
			}
			feed.StopTimes = append(feed.StopTimes, model.StopTimeRecord{
				TripID:        trip.ID,
				StopID:        st.Stop.Id,
				ArrivalTime:   FormatTime(int(st.ArrivalTime.Seconds())),
				DepartureTime: FormatTime(int(st.DepartureTime.Seconds())),
				StopSequence:  strconv.Itoa(st.StopSequence),
			})
		}
	}

	for _, t := range static.Transfers {
		if t.From == nil || t.To == nil {
			continue
		}
		minTime := ""
		if t.MinTransferTime != nil {
			minTime = strconv.Itoa(int(*t.MinTransferTime))
		}
		feed.Transfers = append(feed.Transfers, model.TransferRecord{
			FromStopID:      t.From.Id,
			ToStopID:        t.To.Id,
			TransferType:    strconv.Itoa(int(t.Type)),
			MinTransferTime: minTime,
		})
	}

	return feed
}
