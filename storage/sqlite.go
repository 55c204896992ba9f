package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/journey/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// SQLite backed Storage. Metadata lives in one database, and every
// index gets a database of its own, named by hash when on disk.
type SQLiteStorage struct {
	SQLiteConfig

	metadataDB *sql.DB
	indexes    map[string]*sql.DB
	mu         sync.Mutex
}

type SQLiteIndexWriter struct {
	db *sql.DB

	visitTx   *sql.Tx
	visitStmt *sql.Stmt
	boardTx   *sql.Tx
	boardStmt *sql.Stmt
	boardSeq  int
	ruleSeq   int
}

type SQLiteIndexReader struct {
	db *sql.DB
}

func openSQLite(sourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if sourceName == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/journey.db"
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS index_metadata (
    hash TEXT NOT NULL,
    source TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    records INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    trips INTEGER NOT NULL,
    stops INTEGER NOT NULL,
    transfers INTEGER NOT NULL,
PRIMARY KEY (hash, source)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index_metadata table: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		metadataDB: db,
		indexes:    map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, db := range s.indexes {
		db.Close()
		delete(s.indexes, hash)
	}
	return s.metadataDB.Close()
}

func (s *SQLiteStorage) ListIndexes(filter ListIndexesFilter) ([]*IndexMetadata, error) {
	query := `
SELECT
    hash,
    source,
    retrieved_at,
    records,
    skipped,
    trips,
    stops,
    transfers
FROM index_metadata`

	conditions := []string{}
	params := []interface{}{}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		params = append(params, filter.Source)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.metadataDB.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close()

	indexes := []*IndexMetadata{}
	for rows.Next() {
		var md IndexMetadata
		err := rows.Scan(
			&md.Hash,
			&md.Source,
			&md.RetrievedAt,
			&md.Records,
			&md.Skipped,
			&md.Trips,
			&md.Stops,
			&md.Transfers,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning index metadata: %w", err)
		}
		indexes = append(indexes, &md)
	}

	return indexes, rows.Err()
}

func (s *SQLiteStorage) WriteIndexMetadata(md *IndexMetadata) error {
	_, err := s.metadataDB.Exec(`
INSERT INTO index_metadata (
    hash,
    source,
    retrieved_at,
    records,
    skipped,
    trips,
    stops,
    transfers
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (hash, source) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    records = excluded.records,
    skipped = excluded.skipped,
    trips = excluded.trips,
    stops = excluded.stops,
    transfers = excluded.transfers
`,
		md.Hash,
		md.Source,
		md.RetrievedAt,
		md.Records,
		md.Skipped,
		md.Trips,
		md.Stops,
		md.Transfers,
	)
	if err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteIndexMetadata(source string, hash string) error {
	res, err := s.metadataDB.Exec(`
DELETE FROM index_metadata
WHERE source = ? AND hash = ?
`, source, hash)
	if err != nil {
		return fmt.Errorf("deleting index metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting index metadata: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deleting %s for %s: %w", hash, source, ErrIndexNotFound)
	}
	return nil
}

func (s *SQLiteStorage) GetReader(hash string) (IndexReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, found := s.indexes[hash]
	if found {
		return &SQLiteIndexReader{
			db: db,
		}, nil
	}
	if !s.OnDisk {
		return nil, fmt.Errorf("index %s: %w", hash, ErrIndexNotFound)
	}

	sourceName := s.Directory + "/" + hash + ".db"
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("index %s at %s: %w", hash, sourceName, ErrIndexNotFound)
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	s.indexes[hash] = db

	return &SQLiteIndexReader{
		db: db,
	}, nil
}

func (s *SQLiteStorage) GetWriter(hash string) (IndexWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, found := s.indexes[hash]; found {
		db.Close()
		delete(s.indexes, hash)
	}

	sourceName := ":memory:"
	if s.OnDisk {
		sourceName = s.Directory + "/" + hash + ".db"
		// delete file if it exists
		if _, err := os.Stat(sourceName); err == nil {
			err := os.Remove(sourceName)
			if err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	for name, query := range map[string]string{
		"visits": `
CREATE TABLE visits (
    trip_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    stop_id TEXT NOT NULL,
    arrival_sec INTEGER NOT NULL,
    departure_sec INTEGER NOT NULL,
PRIMARY KEY (trip_id, position)
);`,
		"boardings": `
CREATE TABLE boardings (
    seq INTEGER PRIMARY KEY,
    stop_id TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    departure_sec INTEGER NOT NULL,
    arrival_sec INTEGER NOT NULL
);
CREATE INDEX boardings_stop_id ON boardings (stop_id);
`,
		"transfer_rules": `
CREATE TABLE transfer_rules (
    seq INTEGER PRIMARY KEY,
    from_stop_id TEXT NOT NULL,
    to_stop_id TEXT NOT NULL,
    min_wait_sec INTEGER NOT NULL
);`,
	} {
		_, err = db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	s.indexes[hash] = db

	return &SQLiteIndexWriter{
		db: db,
	}, nil
}

func (w *SQLiteIndexWriter) BeginVisits() error {
	// transaction with prepared statement.
	var err error
	w.visitTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning visit insert transaction: %w", err)
	}

	w.visitStmt, err = w.visitTx.Prepare(`
INSERT INTO visits (trip_id, position, stop_id, arrival_sec, departure_sec)
VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		w.visitTx.Rollback()
		w.visitTx = nil
		return fmt.Errorf("preparing visit insert: %w", err)
	}

	return nil
}

func (w *SQLiteIndexWriter) WriteVisit(tripID string, visit model.StopVisit) error {
	_, err := w.visitStmt.Exec(
		tripID,
		visit.Position,
		visit.StopID,
		visit.ArrivalSec,
		visit.DepartureSec,
	)
	if err != nil {
		return fmt.Errorf("inserting visit: %w", err)
	}
	return nil
}

func (w *SQLiteIndexWriter) EndVisits() error {
	// commit transaction and clean up
	w.visitStmt.Close()
	err := w.visitTx.Commit()
	if err != nil {
		return fmt.Errorf("committing visit insert transaction: %w", err)
	}
	w.visitTx = nil
	w.visitStmt = nil

	return nil
}

func (w *SQLiteIndexWriter) BeginBoardings() error {
	var err error
	w.boardTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning boarding insert transaction: %w", err)
	}

	w.boardStmt, err = w.boardTx.Prepare(`
INSERT INTO boardings (seq, stop_id, trip_id, position, departure_sec, arrival_sec)
VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.boardTx.Rollback()
		w.boardTx = nil
		return fmt.Errorf("preparing boarding insert: %w", err)
	}

	return nil
}

func (w *SQLiteIndexWriter) WriteBoarding(stopID string, b model.Boarding) error {
	_, err := w.boardStmt.Exec(
		w.boardSeq,
		stopID,
		b.TripID,
		b.Position,
		b.DepartureSec,
		b.ArrivalSec,
	)
	if err != nil {
		return fmt.Errorf("inserting boarding: %w", err)
	}
	w.boardSeq++
	return nil
}

func (w *SQLiteIndexWriter) EndBoardings() error {
	w.boardStmt.Close()
	err := w.boardTx.Commit()
	if err != nil {
		return fmt.Errorf("committing boarding insert transaction: %w", err)
	}
	w.boardTx = nil
	w.boardStmt = nil

	return nil
}

func (w *SQLiteIndexWriter) WriteTransferRule(rule model.TransferRule) error {
	_, err := w.db.Exec(`
INSERT INTO transfer_rules (seq, from_stop_id, to_stop_id, min_wait_sec)
VALUES (?, ?, ?, ?)`,
		w.ruleSeq,
		rule.FromStopID,
		rule.ToStopID,
		rule.MinWaitSec,
	)
	if err != nil {
		return fmt.Errorf("inserting transfer rule: %w", err)
	}
	w.ruleSeq++
	return nil
}

func (w *SQLiteIndexWriter) Close() error {
	return nil
}

func (r *SQLiteIndexReader) Trips() (map[string]model.Trip, error) {
	rows, err := r.db.Query(`
SELECT trip_id, position, stop_id, arrival_sec, departure_sec
FROM visits
ORDER BY trip_id, position`)
	if err != nil {
		return nil, fmt.Errorf("querying visits: %w", err)
	}
	defer rows.Close()

	trips := map[string]model.Trip{}
	for rows.Next() {
		var tripID string
		var v model.StopVisit
		err := rows.Scan(&tripID, &v.Position, &v.StopID, &v.ArrivalSec, &v.DepartureSec)
		if err != nil {
			return nil, fmt.Errorf("scanning visit: %w", err)
		}
		trip := trips[tripID]
		trip.ID = tripID
		trip.Visits = append(trip.Visits, v)
		trips[tripID] = trip
	}

	return trips, rows.Err()
}

func (r *SQLiteIndexReader) StopIndex() (map[string][]model.Boarding, error) {
	rows, err := r.db.Query(`
SELECT stop_id, trip_id, position, departure_sec, arrival_sec
FROM boardings
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying boardings: %w", err)
	}
	defer rows.Close()

	stopIndex := map[string][]model.Boarding{}
	for rows.Next() {
		var stopID string
		var b model.Boarding
		err := rows.Scan(&stopID, &b.TripID, &b.Position, &b.DepartureSec, &b.ArrivalSec)
		if err != nil {
			return nil, fmt.Errorf("scanning boarding: %w", err)
		}
		stopIndex[stopID] = append(stopIndex[stopID], b)
	}

	return stopIndex, rows.Err()
}

func (r *SQLiteIndexReader) TransferRules() ([]model.TransferRule, error) {
	rows, err := r.db.Query(`
SELECT from_stop_id, to_stop_id, min_wait_sec
FROM transfer_rules
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying transfer rules: %w", err)
	}
	defer rows.Close()

	rules := []model.TransferRule{}
	for rows.Next() {
		var rule model.TransferRule
		err := rows.Scan(&rule.FromStopID, &rule.ToStopID, &rule.MinWaitSec)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}
