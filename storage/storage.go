package storage

import (
	"errors"
	"time"

	"tidbyt.dev/journey/model"
)

var ErrIndexNotFound = errors.New("index not found")

type Storage interface {
	// Retrieves all index metadata records matching the given
	// filter, most recently retrieved first.
	ListIndexes(filter ListIndexesFilter) ([]*IndexMetadata, error)

	// Writes an IndexMetadata record. If a record with the same
	// source and hash exists, it is updated.
	WriteIndexMetadata(metadata *IndexMetadata) error

	// Removes the metadata record for a source and hash. The
	// index data itself is left in place.
	DeleteIndexMetadata(source string, hash string) error

	// Gets a reader for the index with the given hash. Returns
	// ErrIndexNotFound if no such index has been written.
	GetReader(hash string) (IndexReader, error)

	// Gets a writer for the index with the given hash. Any data
	// previously written under the same hash is discarded.
	GetWriter(hash string) (IndexWriter, error)
}

type ListIndexesFilter struct {
	// If set, only include indexes built from the given source.
	Source string

	// If set, only include indexes with the given hash.
	Hash string
}

// Metadata for a built index. The index itself is accessed via
// IndexReader.
type IndexMetadata struct {
	Source      string    `json:"source"`
	Hash        string    `json:"hash"`
	RetrievedAt time.Time `json:"retrieved_at"`

	// Counts from the build.
	Records   int `json:"records"`
	Skipped   int `json:"skipped"`
	Trips     int `json:"trips"`
	Stops     int `json:"stops"`
	Transfers int `json:"transfers"`
}

// Writes the artifacts of a single index.
//
// Visits make up the bulk of an index. BeginVisits() and EndVisits()
// are called before and after all calls to WriteVisit(), and likewise
// for boardings, allowing transactions and batching.
type IndexWriter interface {
	BeginVisits() error
	WriteVisit(tripID string, visit model.StopVisit) error
	EndVisits() error
	BeginBoardings() error
	WriteBoarding(stopID string, boarding model.Boarding) error
	EndBoardings() error
	WriteTransferRule(rule model.TransferRule) error
	Close() error
}

// Reads back what an IndexWriter wrote. Boardings per stop and
// transfer rules come back in the order they were written.
type IndexReader interface {
	Trips() (map[string]model.Trip, error)
	StopIndex() (map[string][]model.Boarding, error)
	TransferRules() ([]model.TransferRule, error)
}
