package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"tidbyt.dev/journey/model"
)

const (
	PSQLVisitBatchSize    = 10000
	PSQLBoardingBatchSize = 10000
)

type PSQLStorage struct {
	db *sql.DB

	// COPY is only available through lib/pq.
	copyIn bool
}

type psqlVisit struct {
	tripID string
	visit  model.StopVisit
}

type psqlBoarding struct {
	stopID   string
	boarding model.Boarding
}

type PSQLIndexWriter struct {
	id          string
	db          *sql.DB
	copyIn      bool
	visitBuf    []psqlVisit
	boardingBuf []psqlBoarding
	boardingSeq int
	ruleSeq     int
}

type PSQLIndexReader struct {
	id string
	db *sql.DB
}

// Creates a new Postgres Storage using the provided connection
// string, through the lib/pq driver.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	return NewPSQLStorageWithDriver("postgres", connStr, clearDB)
}

// Like NewPSQLStorage, but with a choice of database/sql driver:
// "postgres" (lib/pq) or "pgx" (jackc/pgx).
func NewPSQLStorageWithDriver(driver string, connStr string, clearDB bool) (*PSQLStorage, error) {
	if driver != "postgres" && driver != "pgx" {
		return nil, fmt.Errorf("unsupported driver '%s'", driver)
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS index_metadata;
DROP TABLE IF EXISTS index_data;
DROP TABLE IF EXISTS visits;
DROP TABLE IF EXISTS boardings;
DROP TABLE IF EXISTS transfer_rules;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	for name, query := range map[string]string{
		"index_metadata": `
CREATE TABLE IF NOT EXISTS index_metadata (
    hash TEXT NOT NULL,
    source TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    records INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    trips INTEGER NOT NULL,
    stops INTEGER NOT NULL,
    transfers INTEGER NOT NULL,
    PRIMARY KEY (hash, source)
);`,
		"index_data": `
CREATE TABLE IF NOT EXISTS index_data (
    hash TEXT PRIMARY KEY
);`,
		"visits": `
CREATE TABLE IF NOT EXISTS visits (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    stop_id TEXT NOT NULL,
    arrival_sec INTEGER NOT NULL,
    departure_sec INTEGER NOT NULL,
    PRIMARY KEY (hash, trip_id, position)
);`,
		"boardings": `
CREATE TABLE IF NOT EXISTS boardings (
    hash TEXT NOT NULL,
    seq INTEGER NOT NULL,
    stop_id TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    departure_sec INTEGER NOT NULL,
    arrival_sec INTEGER NOT NULL,
    PRIMARY KEY (hash, seq)
);`,
		"transfer_rules": `
CREATE TABLE IF NOT EXISTS transfer_rules (
    hash TEXT NOT NULL,
    seq INTEGER NOT NULL,
    from_stop_id TEXT NOT NULL,
    to_stop_id TEXT NOT NULL,
    min_wait_sec INTEGER NOT NULL,
    PRIMARY KEY (hash, seq)
);`,
	} {
		_, err := db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	return &PSQLStorage{
		db:     db,
		copyIn: driver == "postgres",
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListIndexes(filter ListIndexesFilter) ([]*IndexMetadata, error) {
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
		params = append(params, filter.Source)
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(params)))
	}
	if filter.Hash != "" {
		params = append(params, filter.Hash)
		conditions = append(conditions, fmt.Sprintf("hash = $%d", len(params)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
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

func (s *PSQLStorage) WriteIndexMetadata(md *IndexMetadata) error {
	_, err := s.db.Exec(`
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (s *PSQLStorage) DeleteIndexMetadata(source string, hash string) error {
	res, err := s.db.Exec(`
DELETE FROM index_metadata
WHERE source = $1 AND hash = $2
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

func (s *PSQLStorage) GetReader(hash string) (IndexReader, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM index_data WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking index %s: %w", hash, err)
	}
	if !exists {
		return nil, fmt.Errorf("index %s: %w", hash, ErrIndexNotFound)
	}

	return &PSQLIndexReader{
		id: hash,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (IndexWriter, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// In case index already exists, delete all records
	for _, name := range []string{"visits", "boardings", "transfer_rules", "index_data"} {
		_, err := tx.Exec(`DELETE FROM `+name+` WHERE hash = $1`, hash)
		if err != nil {
			return nil, fmt.Errorf("deleting %s records: %w", name, err)
		}
	}

	_, err = tx.Exec(`INSERT INTO index_data (hash) VALUES ($1)`, hash)
	if err != nil {
		return nil, fmt.Errorf("registering index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	return &PSQLIndexWriter{
		id:     hash,
		db:     s.db,
		copyIn: s.copyIn,
	}, nil
}

// Inserts rows in a single transaction, using COPY where the driver
// supports it.
func (w *PSQLIndexWriter) insertRows(table string, columns []string, rows [][]interface{}) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var query string
	if w.copyIn {
		query = pq.CopyIn(table, columns...)
	} else {
		placeholders := make([]string, len(columns))
		for i := range columns {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table,
			strings.Join(columns, ", "),
			strings.Join(placeholders, ", "),
		)
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.Exec(row...)
		if err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}

	if w.copyIn {
		_, err = stmt.Exec()
		if err != nil {
			return fmt.Errorf("executing statement: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (w *PSQLIndexWriter) BeginVisits() error {
	return nil
}

func (w *PSQLIndexWriter) WriteVisit(tripID string, visit model.StopVisit) error {
	w.visitBuf = append(w.visitBuf, psqlVisit{tripID, visit})

	if len(w.visitBuf) >= PSQLVisitBatchSize {
		err := w.flushVisits()
		if err != nil {
			return fmt.Errorf("flushing visits: %w", err)
		}
	}

	return nil
}

func (w *PSQLIndexWriter) EndVisits() error {
	if len(w.visitBuf) > 0 {
		err := w.flushVisits()
		if err != nil {
			return fmt.Errorf("flushing visits: %w", err)
		}
	}
	return nil
}

func (w *PSQLIndexWriter) flushVisits() error {
	rows := make([][]interface{}, 0, len(w.visitBuf))
	for _, v := range w.visitBuf {
		rows = append(rows, []interface{}{
			w.id, v.tripID, v.visit.Position, v.visit.StopID, v.visit.ArrivalSec, v.visit.DepartureSec,
		})
	}

	err := w.insertRows(
		"visits",
		[]string{"hash", "trip_id", "position", "stop_id", "arrival_sec", "departure_sec"},
		rows,
	)
	if err != nil {
		return err
	}

	w.visitBuf = nil

	return nil
}

func (w *PSQLIndexWriter) BeginBoardings() error {
	return nil
}

func (w *PSQLIndexWriter) WriteBoarding(stopID string, boarding model.Boarding) error {
	w.boardingBuf = append(w.boardingBuf, psqlBoarding{stopID, boarding})

	if len(w.boardingBuf) >= PSQLBoardingBatchSize {
		err := w.flushBoardings()
		if err != nil {
			return fmt.Errorf("flushing boardings: %w", err)
		}
	}

	return nil
}

func (w *PSQLIndexWriter) EndBoardings() error {
	if len(w.boardingBuf) > 0 {
		err := w.flushBoardings()
		if err != nil {
			return fmt.Errorf("flushing boardings: %w", err)
		}
	}
	return nil
}

func (w *PSQLIndexWriter) flushBoardings() error {
	rows := make([][]interface{}, 0, len(w.boardingBuf))
	for _, b := range w.boardingBuf {
		rows = append(rows, []interface{}{
			w.id, w.boardingSeq, b.stopID, b.boarding.TripID, b.boarding.Position, b.boarding.DepartureSec, b.boarding.ArrivalSec,
		})
		w.boardingSeq++
	}

	err := w.insertRows(
		"boardings",
		[]string{"hash", "seq", "stop_id", "trip_id", "position", "departure_sec", "arrival_sec"},
		rows,
	)
	if err != nil {
		return err
	}

	w.boardingBuf = nil

	return nil
}

func (w *PSQLIndexWriter) WriteTransferRule(rule model.TransferRule) error {
	_, err := w.db.Exec(`
INSERT INTO transfer_rules (hash, seq, from_stop_id, to_stop_id, min_wait_sec)
VALUES ($1, $2, $3, $4, $5)`,
		w.id,
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

func (w *PSQLIndexWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}

func (r *PSQLIndexReader) Trips() (map[string]model.Trip, error) {
	rows, err := r.db.Query(`
SELECT trip_id, position, stop_id, arrival_sec, departure_sec
FROM visits
WHERE hash = $1
ORDER BY trip_id, position`, r.id)
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

func (r *PSQLIndexReader) StopIndex() (map[string][]model.Boarding, error) {
	rows, err := r.db.Query(`
SELECT stop_id, trip_id, position, departure_sec, arrival_sec
FROM boardings
WHERE hash = $1
ORDER BY seq`, r.id)
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

func (r *PSQLIndexReader) TransferRules() ([]model.TransferRule, error) {
	rows, err := r.db.Query(`
SELECT from_stop_id, to_stop_id, min_wait_sec
FROM transfer_rules
WHERE hash = $1
ORDER BY seq`, r.id)
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
