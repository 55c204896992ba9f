package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"tidbyt.dev/journey/model"
)

// Raw records needed to build a journey index.
type Feed struct {
	StopTimes []model.StopTimeRecord
	Transfers []model.TransferRecord
}

// Parses the records of interest out of a zipped GTFS feed.
// stop_times.txt is required, transfers.txt is optional. All other
// files are ignored.
func ParseFeed(buf []byte) (*Feed, error) {
	file := map[string]io.ReadCloser{
		"stop_times.txt": nil,
		"transfers.txt":  nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Some agencies put everything in a subdirectory.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	if file["stop_times.txt"] == nil {
		return nil, fmt.Errorf("missing stop_times.txt")
	}

	return ParseFiles(file["stop_times.txt"], file["transfers.txt"])
}

// Parses stop_times.txt and (if non-nil) transfers.txt from
// separate readers.
func ParseFiles(stopTimes io.Reader, transfers io.Reader) (*Feed, error) {
	feed := &Feed{}

	var err error
	feed.StopTimes, err = ParseStopTimes(stopTimes)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	if transfers != nil {
		feed.Transfers, err = ParseTransfers(transfers)
		if err != nil {
			return nil, fmt.Errorf("parsing transfers.txt: %w", err)
		}
	}

	return feed, nil
}
