package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/journey/model"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  string `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
}

// Reads stop_times.txt. Time and sequence fields are passed through
// untouched, as a bad value should only cost the schedule builder a
// single record.
func ParseStopTimes(data io.Reader) ([]model.StopTimeRecord, error) {
	data, err := withColumns(data, "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time")
	if err != nil {
		return nil, err
	}

	records := []model.StopTimeRecord{}

	i := -1
	err = gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if st.TripID == "" {
			return fmt.Errorf("missing trip_id (row %d)", i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}

		records = append(records, model.StopTimeRecord{
			TripID:        st.TripID,
			StopID:        st.StopID,
			ArrivalTime:   st.ArrivalTime,
			DepartureTime: st.DepartureTime,
			StopSequence:  st.StopSequence,
		})

		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return records, nil
}
