package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/journey/model"
)

func TestParseStopTimes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		err     bool
		records []model.StopTimeRecord
	}{
		{
			"minimal",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,s,1`,
			false,
			[]model.StopTimeRecord{
				{TripID: "t", StopID: "s", ArrivalTime: "10:00:00", DepartureTime: "10:00:01", StopSequence: "1"},
			},
		},

		{
			"extra columns and multiple records",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence,stop_headsign,shape_dist_traveled
t,10:00:00,10:00:01,s1,1,sh1,0.0
t,10:00:02,10:00:03,s2,2,sh2,1.5
`,
			false,
			[]model.StopTimeRecord{
				{TripID: "t", StopID: "s1", ArrivalTime: "10:00:00", DepartureTime: "10:00:01", StopSequence: "1"},
				{TripID: "t", StopID: "s2", ArrivalTime: "10:00:02", DepartureTime: "10:00:03", StopSequence: "2"},
			},
		},

		{
			"bom and quoted fields",
			"\ufefftrip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
				`"t","25:00:00","25:00:01","de:09162:40:51:51-Hst","3"`,
			false,
			[]model.StopTimeRecord{
				{TripID: "t", StopID: "de:09162:40:51:51-Hst", ArrivalTime: "25:00:00", DepartureTime: "25:00:01", StopSequence: "3"},
			},
		},

		{
			"bad times are passed through",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:derp,,s,x`,
			false,
			[]model.StopTimeRecord{
				{TripID: "t", StopID: "s", ArrivalTime: "10:00:derp", DepartureTime: "", StopSequence: "x"},
			},
		},

		{
			"header only",
			`trip_id,arrival_time,departure_time,stop_id,stop_sequence`,
			false,
			[]model.StopTimeRecord{},
		},

		{
			"missing trip_id column",
			`
arrival_time,departure_time,stop_id,stop_sequence
10:00:00,10:00:01,s,1`,
			true, nil,
		},

		{
			"missing arrival_time column",
			`
trip_id,departure_time,stop_id,stop_sequence
t,10:00:01,s,1`,
			true, nil,
		},

		{
			"missing stop_sequence column",
			`
trip_id,arrival_time,departure_time,stop_id
t,10:00:00,10:00:01,s`,
			true, nil,
		},

		{
			"empty stop_id",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
t,10:00:00,10:00:01,,1`,
			true, nil,
		},

		{
			"empty trip_id",
			`
trip_id,arrival_time,departure_time,stop_id,stop_sequence
,10:00:00,10:00:01,s,1`,
			true, nil,
		},

		{
			"empty file",
			``,
			true, nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			records, err := ParseStopTimes(bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.records, records)
		})
	}
}
