package storage

import (
	"fmt"
	"sort"
	"sync"

	"tidbyt.dev/journey/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	Source string
	Hash   string
}

type MemoryStorage struct {
	Indexes  map[string]*MemoryStorageIndex
	Metadata map[memoryMetadataKey]*IndexMetadata

	mu sync.Mutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Indexes:  map[string]*MemoryStorageIndex{},
		Metadata: map[memoryMetadataKey]*IndexMetadata{},
	}
}

func (s *MemoryStorage) ListIndexes(filter ListIndexesFilter) ([]*IndexMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := []*IndexMetadata{}
	for _, metadata := range s.Metadata {
		if filter.Source != "" && metadata.Source != filter.Source {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		md := *metadata
		indexes = append(indexes, &md)
	}
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].RetrievedAt.After(indexes[j].RetrievedAt)
	})
	return indexes, nil
}

func (s *MemoryStorage) WriteIndexMetadata(metadata *IndexMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md := *metadata
	s.Metadata[memoryMetadataKey{metadata.Source, metadata.Hash}] = &md
	return nil
}

func (s *MemoryStorage) DeleteIndexMetadata(source string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryMetadataKey{source, hash}
	if _, found := s.Metadata[key]; !found {
		return fmt.Errorf("deleting %s for %s: %w", hash, source, ErrIndexNotFound)
	}
	delete(s.Metadata, key)
	return nil
}

func (s *MemoryStorage) GetReader(hash string) (IndexReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.Indexes[hash]
	if !ok {
		return nil, fmt.Errorf("index %s: %w", hash, ErrIndexNotFound)
	}
	return idx, nil
}

func (s *MemoryStorage) GetWriter(hash string) (IndexWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := &MemoryStorageIndex{
		visits:    map[string][]model.StopVisit{},
		boardings: map[string][]model.Boarding{},
	}

	s.Indexes[hash] = idx

	return idx, nil
}

type MemoryStorageIndex struct {
	visits    map[string][]model.StopVisit
	boardings map[string][]model.Boarding
	rules     []model.TransferRule
}

func (idx *MemoryStorageIndex) BeginVisits() error {
	return nil
}

func (idx *MemoryStorageIndex) WriteVisit(tripID string, visit model.StopVisit) error {
	idx.visits[tripID] = append(idx.visits[tripID], visit)
	return nil
}

func (idx *MemoryStorageIndex) EndVisits() error {
	return nil
}

func (idx *MemoryStorageIndex) BeginBoardings() error {
	return nil
}

func (idx *MemoryStorageIndex) WriteBoarding(stopID string, boarding model.Boarding) error {
	idx.boardings[stopID] = append(idx.boardings[stopID], boarding)
	return nil
}

func (idx *MemoryStorageIndex) EndBoardings() error {
	return nil
}

func (idx *MemoryStorageIndex) WriteTransferRule(rule model.TransferRule) error {
	idx.rules = append(idx.rules, rule)
	return nil
}

func (idx *MemoryStorageIndex) Close() error {
	return nil
}

func (idx *MemoryStorageIndex) Trips() (map[string]model.Trip, error) {
	trips := make(map[string]model.Trip, len(idx.visits))
	for tripID, visits := range idx.visits {
		vs := make([]model.StopVisit, len(visits))
		copy(vs, visits)
		sort.SliceStable(vs, func(i, j int) bool {
			return vs[i].Position < vs[j].Position
		})
		trips[tripID] = model.Trip{ID: tripID, Visits: vs}
	}
	return trips, nil
}

func (idx *MemoryStorageIndex) StopIndex() (map[string][]model.Boarding, error) {
	stopIndex := make(map[string][]model.Boarding, len(idx.boardings))
	for stopID, boardings := range idx.boardings {
		bs := make([]model.Boarding, len(boardings))
		copy(bs, boardings)
		stopIndex[stopID] = bs
	}
	return stopIndex, nil
}

func (idx *MemoryStorageIndex) TransferRules() ([]model.TransferRule, error) {
	rules := make([]model.TransferRule, len(idx.rules))
	copy(rules, idx.rules)
	return rules, nil
}
