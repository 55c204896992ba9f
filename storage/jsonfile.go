package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

const (
	JSONTripsFile     = "trips.json"
	JSONStopIndexFile = "stop_index.json"
	JSONTransfersFile = "transfers.json"
	JSONMetadataFile  = "metadata.json"
)

// Stores each index as a directory of JSON artifacts:
//
//	<hash>/trips.json       trip_id -> ordered stop visits
//	<hash>/stop_index.json  stop_id -> [trip_id, position, departure, arrival]
//	<hash>/transfers.json   "<from> to <to>" -> wait in seconds
//
// Metadata for all indexes is kept in metadata.json at the top.
type JSONStorage struct {
	Directory string
	Logger    *slog.Logger

	mu sync.Mutex
}

// A stop visit as found in trips.json.
type jsonVisit struct {
	StopID        string `json:"stop_id"`
	Position      int    `json:"position"`
	ArrivalTime   string `json:"arrival_time"`
	DepartureTime string `json:"departure_time"`
	ArrivalSec    int    `json:"arrival_sec"`
	DepartureSec  int    `json:"departure_sec"`
}

type JSONIndexWriter struct {
	dir       string
	trips     map[string][]jsonVisit
	stopIndex map[string][]model.Boarding
	rules     []model.TransferRule
}

type JSONIndexReader struct {
	dir    string
	logger *slog.Logger
}

func NewJSONStorage(directory string, logger *slog.Logger) (*JSONStorage, error) {
	err := os.MkdirAll(directory, 0755)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", directory, err)
	}
	return &JSONStorage{
		Directory: directory,
		Logger:    logging.OrDefault(logger),
	}, nil
}

// Writes data to path via a temporary file, so readers never see a
// partial artifact.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("renaming to %s: %w", path, err)
	}
	return nil
}

func (s *JSONStorage) readMetadata() ([]*IndexMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.Directory, JSONMetadataFile))
	if os.IsNotExist(err) {
		return []*IndexMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	metadata := []*IndexMetadata{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return metadata, nil
}

func (s *JSONStorage) writeMetadata(metadata []*IndexMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.Directory, JSONMetadataFile), data)
}

func (s *JSONStorage) ListIndexes(filter ListIndexesFilter) ([]*IndexMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readMetadata()
	if err != nil {
		return nil, err
	}

	indexes := []*IndexMetadata{}
	for _, md := range all {
		if filter.Source != "" && md.Source != filter.Source {
			continue
		}
		if filter.Hash != "" && md.Hash != filter.Hash {
			continue
		}
		indexes = append(indexes, md)
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		return indexes[i].RetrievedAt.After(indexes[j].RetrievedAt)
	})
	return indexes, nil
}

func (s *JSONStorage) WriteIndexMetadata(md *IndexMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readMetadata()
	if err != nil {
		return err
	}

	written := *md
	replaced := false
	for i, existing := range all {
		if existing.Source == md.Source && existing.Hash == md.Hash {
			all[i] = &written
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, &written)
	}

	return s.writeMetadata(all)
}

func (s *JSONStorage) DeleteIndexMetadata(source string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readMetadata()
	if err != nil {
		return err
	}

	kept := make([]*IndexMetadata, 0, len(all))
	for _, md := range all {
		if md.Source == source && md.Hash == hash {
			continue
		}
		kept = append(kept, md)
	}
	if len(kept) == len(all) {
		return fmt.Errorf("deleting %s for %s: %w", hash, source, ErrIndexNotFound)
	}

	return s.writeMetadata(kept)
}

func (s *JSONStorage) GetReader(hash string) (IndexReader, error) {
	dir := filepath.Join(s.Directory, hash)
	if _, err := os.Stat(filepath.Join(dir, JSONTripsFile)); os.IsNotExist(err) {
		return nil, fmt.Errorf("index %s at %s: %w", hash, dir, ErrIndexNotFound)
	}

	return &JSONIndexReader{
		dir:    dir,
		logger: logging.OrDefault(s.Logger),
	}, nil
}

func (s *JSONStorage) GetWriter(hash string) (IndexWriter, error) {
	dir := filepath.Join(s.Directory, hash)

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("removing existing index: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	return &JSONIndexWriter{
		dir:       dir,
		trips:     map[string][]jsonVisit{},
		stopIndex: map[string][]model.Boarding{},
	}, nil
}

func (w *JSONIndexWriter) BeginVisits() error {
	return nil
}

func (w *JSONIndexWriter) WriteVisit(tripID string, v model.StopVisit) error {
	w.trips[tripID] = append(w.trips[tripID], jsonVisit{
		StopID:        v.StopID,
		Position:      v.Position,
		ArrivalTime:   parse.FormatTime(v.ArrivalSec),
		DepartureTime: parse.FormatTime(v.DepartureSec),
		ArrivalSec:    v.ArrivalSec,
		DepartureSec:  v.DepartureSec,
	})
	return nil
}

func (w *JSONIndexWriter) EndVisits() error {
	return nil
}

func (w *JSONIndexWriter) BeginBoardings() error {
	return nil
}

func (w *JSONIndexWriter) WriteBoarding(stopID string, b model.Boarding) error {
	w.stopIndex[stopID] = append(w.stopIndex[stopID], b)
	return nil
}

func (w *JSONIndexWriter) EndBoardings() error {
	return nil
}

func (w *JSONIndexWriter) WriteTransferRule(rule model.TransferRule) error {
	w.rules = append(w.rules, rule)
	return nil
}

// Writes all three artifacts. Nothing is on disk until Close().
func (w *JSONIndexWriter) Close() error {
	trips, err := json.Marshal(w.trips)
	if err != nil {
		return fmt.Errorf("encoding trips: %w", err)
	}

	stopIndex, err := json.Marshal(w.stopIndex)
	if err != nil {
		return fmt.Errorf("encoding stop index: %w", err)
	}

	// encoding/json sorts map keys, so rules are written as an
	// object by hand to keep their order.
	var transfers bytes.Buffer
	transfers.WriteString("{")
	for i, rule := range w.rules {
		if i > 0 {
			transfers.WriteString(",")
		}
		key, err := json.Marshal(rule.Key())
		if err != nil {
			return fmt.Errorf("encoding transfer key: %w", err)
		}
		transfers.Write(key)
		fmt.Fprintf(&transfers, ":%d", rule.MinWaitSec)
	}
	transfers.WriteString("}")

	// trips.json goes last, as its presence marks the index as
	// complete.
	for _, artifact := range []struct {
		name string
		data []byte
	}{
		{JSONStopIndexFile, stopIndex},
		{JSONTransfersFile, transfers.Bytes()},
		{JSONTripsFile, trips},
	} {
		err := writeFileAtomic(filepath.Join(w.dir, artifact.name), artifact.data)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *JSONIndexReader) Trips() (map[string]model.Trip, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, JSONTripsFile))
	if err != nil {
		return nil, fmt.Errorf("reading trips: %w", err)
	}

	raw := map[string][]jsonVisit{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding trips: %w", err)
	}

	trips := make(map[string]model.Trip, len(raw))
	for tripID, visits := range raw {
		sort.SliceStable(visits, func(i, j int) bool {
			return visits[i].Position < visits[j].Position
		})

		trip := model.Trip{
			ID:     tripID,
			Visits: make([]model.StopVisit, len(visits)),
		}
		for i, v := range visits {
			trip.Visits[i] = model.StopVisit{
				StopID:       v.StopID,
				Position:     v.Position,
				ArrivalSec:   v.ArrivalSec,
				DepartureSec: v.DepartureSec,
			}
		}
		trips[tripID] = trip
	}

	return trips, nil
}

func (r *JSONIndexReader) StopIndex() (map[string][]model.Boarding, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, JSONStopIndexFile))
	if err != nil {
		return nil, fmt.Errorf("reading stop index: %w", err)
	}

	stopIndex := map[string][]model.Boarding{}
	if err := json.Unmarshal(data, &stopIndex); err != nil {
		return nil, fmt.Errorf("decoding stop index: %w", err)
	}

	return stopIndex, nil
}

// Reads transfers.json in file order. Malformed keys and non-integer
// waits are logged and skipped.
func (r *JSONIndexReader) TransferRules() ([]model.TransferRule, error) {
	f, err := os.Open(filepath.Join(r.dir, JSONTransfersFile))
	if err != nil {
		return nil, fmt.Errorf("reading transfers: %w", err)
	}
	defer f.Close()

	return decodeTransferRules(f, r.logger)
}

func decodeTransferRules(data io.Reader, logger *slog.Logger) ([]model.TransferRule, error) {
	dec := json.NewDecoder(data)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding transfers: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decoding transfers: expected object")
	}

	rules := []model.TransferRule{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding transfers: %w", err)
		}
		key, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding transfers: %w", err)
		}

		from, to, err := model.ParseTransferKey(key)
		if err != nil {
			logger.Warn("skipping malformed transfer key", slog.String("key", key))
			continue
		}

		var wait int
		if err := json.Unmarshal(raw, &wait); err != nil {
			logger.Warn("skipping transfer with bad wait",
				slog.String("key", key),
				slog.String("wait", string(raw)))
			continue
		}

		rules = append(rules, model.TransferRule{
			FromStopID: from,
			ToStopID:   to,
			MinWaitSec: wait,
		})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decoding transfers: %w", err)
	}

	return rules, nil
}
