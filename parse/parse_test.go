package parse

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/journey/model"
)

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func fixtureSimple() map[string][]string {
	return map[string][]string{
		"agency.txt": []string{
			"agency_timezone,agency_name,agency_url",
			"Europe/Berlin,Fake Agency,http://agency/index.html",
		},
		"stop_times.txt": []string{
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"t,08:00:00,08:00:00,a,1",
			"t,08:10:00,08:10:30,b,2",
		},
		"transfers.txt": []string{
			"from_stop_id,to_stop_id,transfer_type,min_transfer_time",
			"b,c,2,120",
		},
	}
}

func TestParseFeed(t *testing.T) {
	feed, err := ParseFeed(buildZip(t, fixtureSimple()))
	require.NoError(t, err)

	assert.Equal(t, []model.StopTimeRecord{
		{TripID: "t", StopID: "a", ArrivalTime: "08:00:00", DepartureTime: "08:00:00", StopSequence: "1"},
		{TripID: "t", StopID: "b", ArrivalTime: "08:10:00", DepartureTime: "08:10:30", StopSequence: "2"},
	}, feed.StopTimes)
	assert.Equal(t, []model.TransferRecord{
		{FromStopID: "b", ToStopID: "c", TransferType: "2", MinTransferTime: "120"},
	}, feed.Transfers)
}

func TestParseFeedSubdirectory(t *testing.T) {
	files := map[string][]string{}
	for name, content := range fixtureSimple() {
		files["google_transit/"+name] = content
	}

	feed, err := ParseFeed(buildZip(t, files))
	require.NoError(t, err)
	assert.Equal(t, 2, len(feed.StopTimes))
	assert.Equal(t, 1, len(feed.Transfers))
}

func TestParseFeedWithoutTransfers(t *testing.T) {
	files := fixtureSimple()
	delete(files, "transfers.txt")

	feed, err := ParseFeed(buildZip(t, files))
	require.NoError(t, err)
	assert.Equal(t, 2, len(feed.StopTimes))
	assert.Nil(t, feed.Transfers)
}

func TestParseFeedMissingStopTimes(t *testing.T) {
	files := fixtureSimple()
	delete(files, "stop_times.txt")

	_, err := ParseFeed(buildZip(t, files))
	assert.Error(t, err)
}

func TestParseFeedBrokenFiles(t *testing.T) {
	files := fixtureSimple()
	files["transfers.txt"] = []string{"from_stop_id,to_stop_id", "a,b"}
	_, err := ParseFeed(buildZip(t, files))
	assert.Error(t, err)

	files = fixtureSimple()
	files["stop_times.txt"] = []string{"trip_id,stop_id", "t,a"}
	_, err = ParseFeed(buildZip(t, files))
	assert.Error(t, err)
}

func TestParseFeedNotAZip(t *testing.T) {
	_, err := ParseFeed([]byte("this is not a zip file"))
	assert.Error(t, err)
}

func TestParseFiles(t *testing.T) {
	feed, err := ParseFiles(
		bytes.NewBufferString("trip_id,arrival_time,departure_time,stop_id,stop_sequence\nt,08:00:00,08:00:00,a,1"),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 1, len(feed.StopTimes))
	assert.Nil(t, feed.Transfers)
}
