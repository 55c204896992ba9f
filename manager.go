package journey

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tidbyt.dev/journey/downloader"
	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/parse"
	"tidbyt.dev/journey/storage"
)

const (
	DefaultFeedTimeout = 60 * time.Second
	DefaultFeedMaxSize = 800 << 20 // 800 MB
)

var ErrNoIndex = errors.New("no index found")

// Told the outcome of every Load, including those made by Refresh.
// Counts are zero on error.
type LoadObserver interface {
	ObserveLoad(source string, err error, trips, stops, transfers int)
}

// Manager builds, persists and caches journey planners for GTFS
// feeds.
//
// Feeds are identified by their source (URL or local path) and
// deduplicated by content hash: an index is built once per distinct
// feed, written to storage, and reused across sources and restarts.
type Manager struct {
	FeedTimeout time.Duration
	FeedMaxSize int
	Downloader  downloader.Downloader
	Logger      *slog.Logger

	// Sent with every feed request.
	Headers map[string]string

	// If positive, fetched feeds are served from the downloader's
	// cache for this long.
	CacheTTL time.Duration

	// Parse feeds with the full GTFS parser, rejecting archives
	// that are not complete and valid GTFS.
	StrictParse bool

	// Applied to every Planner created.
	PlannerOptions []PlannerOption

	// Optional.
	Observer LoadObserver

	storage storage.Storage

	// Parsing, building and storage I/O happen outside mu, with
	// concurrent work on the same hash shared through group.
	group singleflight.Group

	mu       sync.Mutex
	planners map[string]*Planner // by hash
	sources  map[string]string   // source to hash
}

// Creates a new Manager on top of the given storage.
func NewManager(s storage.Storage) *Manager {
	return &Manager{
		FeedTimeout: DefaultFeedTimeout,
		FeedMaxSize: DefaultFeedMaxSize,
		Downloader:  downloader.NewMemoryDownloader(),

		storage:  s,
		planners: map[string]*Planner{},
		sources:  map[string]string{},
	}
}

func (m *Manager) logger() *slog.Logger {
	return logging.OrDefault(m.Logger)
}

// Loads a Planner for the feed at source, a URL or a local path.
//
// The feed is always fetched. If an index for its content already
// exists, in memory or in storage, it is used as is. Otherwise the
// feed is parsed, and the resulting index built and persisted.
// Planners already loaded stay available through Current meanwhile.
func (m *Manager) Load(ctx context.Context, source string) (*Planner, error) {
	planner, err := m.load(ctx, source)
	if m.Observer != nil {
		if err != nil {
			m.Observer.ObserveLoad(source, err, 0, 0, 0)
		} else {
			m.Observer.ObserveLoad(source, nil,
				planner.Schedule().NumTrips(),
				planner.Schedule().NumStops(),
				planner.Transfers().Len())
		}
	}
	return planner, err
}

func (m *Manager) load(ctx context.Context, source string) (*Planner, error) {
	body, err := m.Downloader.Get(ctx, source, m.Headers, downloader.GetOptions{
		Timeout:  m.FeedTimeout,
		MaxSize:  m.FeedMaxSize,
		Cache:    m.CacheTTL > 0,
		CacheTTL: m.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching feed at %s: %w", source, err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(body))

	planner, err := m.plannerFor(hash, func() (*Planner, error) {
		return m.loadOrBuild(source, hash, body)
	})
	if err != nil {
		return nil, err
	}

	err = m.ensureMetadata(source, hash)
	if err != nil {
		return nil, err
	}

	m.publish(source, hash, planner)
	return planner, nil
}

// Makes planner the current one for source, dropping whatever
// planner no source refers to anymore.
func (m *Manager) publish(source string, hash string, planner *Planner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.planners[hash] = planner
	previous, found := m.sources[source]
	m.sources[source] = hash
	if found && previous != hash {
		m.evict(previous)
	}
}

// Drops a cached planner no source refers to. Caller holds m.mu.
func (m *Manager) evict(hash string) {
	for _, h := range m.sources {
		if h == hash {
			return
		}
	}
	delete(m.planners, hash)
}

func (m *Manager) cached(hash string) (*Planner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	planner, found := m.planners[hash]
	return planner, found
}

// Returns the cached Planner for hash, or calls load to get one.
// Concurrent callers for the same hash share a single load.
func (m *Manager) plannerFor(hash string, load func() (*Planner, error)) (*Planner, error) {
	if planner, found := m.cached(hash); found {
		return planner, nil
	}

	v, err, _ := m.group.Do(hash, func() (interface{}, error) {
		if planner, found := m.cached(hash); found {
			return planner, nil
		}
		planner, err := load()
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.planners[hash] = planner
		m.mu.Unlock()
		return planner, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Planner), nil
}

// Returns the Planner for a source without fetching it.
//
// This is the planner most recently loaded for the source, or
// failing that, the most recently built index for it found in
// storage. Returns ErrNoIndex if there is neither.
func (m *Manager) Current(source string) (*Planner, error) {
	m.mu.Lock()
	if hash, found := m.sources[source]; found {
		planner := m.planners[hash]
		m.mu.Unlock()
		return planner, nil
	}
	m.mu.Unlock()

	indexes, err := m.storage.ListIndexes(storage.ListIndexesFilter{Source: source})
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}

	// Most recent first
	for _, md := range indexes {
		hash := md.Hash
		planner, err := m.plannerFor(hash, func() (*Planner, error) {
			return m.loadStored(hash)
		})
		if errors.Is(err, storage.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return m.adopt(source, hash, planner), nil
	}

	return nil, ErrNoIndex
}

// Makes a stored planner current for source, unless a Load got there
// first, in which case that planner wins.
func (m *Manager) adopt(source string, hash string, planner *Planner) *Planner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, found := m.sources[source]; found {
		return m.planners[current]
	}
	m.planners[hash] = planner
	m.sources[source] = hash
	return planner
}

// Sources loaded so far, in ascending order.
func (m *Manager) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sources := make([]string, 0, len(m.sources))
	for source := range m.sources {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// Re-fetches every source loaded so far, swapping in new planners
// for feeds that have changed. A source that fails keeps its
// current planner.
func (m *Manager) Refresh(ctx context.Context) error {
	errs := []error{}
	for _, source := range m.Sources() {
		_, err := m.Load(ctx, source)
		if err != nil {
			errs = append(errs, fmt.Errorf("refreshing feed at %s: %w", source, err))
		}
	}
	return errors.Join(errs...)
}

// Gets the Planner for a feed hash from storage, or by building it
// from body.
func (m *Manager) loadOrBuild(source string, hash string, body []byte) (*Planner, error) {
	indexes, err := m.storage.ListIndexes(storage.ListIndexesFilter{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}

	if len(indexes) > 0 {
		planner, err := m.loadStored(hash)
		if err == nil {
			return planner, nil
		}
		if !errors.Is(err, storage.ErrIndexNotFound) {
			return nil, err
		}

		// Metadata without data. Rebuild.
		m.logger().Warn("index missing from storage, rebuilding",
			slog.String("hash", hash),
			slog.String("source", source))
	}

	return m.build(source, hash, body)
}

// Reads a stored index.
func (m *Manager) loadStored(hash string) (*Planner, error) {
	start := time.Now()

	reader, err := m.storage.GetReader(hash)
	if err != nil {
		return nil, fmt.Errorf("getting reader: %w", err)
	}

	schedule, transfers, err := LoadIndex(reader, m.logger())
	if err != nil {
		return nil, fmt.Errorf("loading index %s: %w", hash, err)
	}

	planner := NewPlanner(schedule, transfers, m.PlannerOptions...)

	logging.LogOperation(m.logger(), "index_loaded",
		slog.String("hash", hash),
		slog.Int("trips", schedule.NumTrips()),
		slog.Int("stops", schedule.NumStops()),
		slog.Int("transfers", transfers.Len()),
		slog.Duration("duration", time.Since(start)))

	return planner, nil
}

// Makes sure a metadata record exists for this source and hash,
// copying counts from a record for another source if needed.
func (m *Manager) ensureMetadata(source string, hash string) error {
	indexes, err := m.storage.ListIndexes(storage.ListIndexesFilter{Hash: hash})
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}

	for _, md := range indexes {
		if md.Source == source {
			return nil
		}
	}

	md := &storage.IndexMetadata{
		Source:      source,
		Hash:        hash,
		RetrievedAt: time.Now().UTC(),
	}
	if len(indexes) > 0 {
		md.Records = indexes[0].Records
		md.Skipped = indexes[0].Skipped
		md.Trips = indexes[0].Trips
		md.Stops = indexes[0].Stops
		md.Transfers = indexes[0].Transfers
	}

	err = m.storage.WriteIndexMetadata(md)
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// Parses a feed, builds its index and writes it to storage.
func (m *Manager) build(source string, hash string, body []byte) (*Planner, error) {
	start := time.Now()
	logger := m.logger().With(slog.String("source", source), slog.String("hash", hash))

	var (
		feed *parse.Feed
		err  error
	)
	if m.StrictParse {
		feed, err = parse.ParseFullFeed(body)
	} else {
		feed, err = parse.ParseFeed(body)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	schedule, stats := BuildSchedule(feed.StopTimes, logger)
	transfers, discarded := BuildTransferTable(feed.Transfers, logger)

	writer, err := m.storage.GetWriter(hash)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	err = WriteIndex(writer, schedule, transfers)
	if err != nil {
		return nil, fmt.Errorf("writing index: %w", err)
	}

	err = m.storage.WriteIndexMetadata(&storage.IndexMetadata{
		Source:      source,
		Hash:        hash,
		RetrievedAt: time.Now().UTC(),
		Records:     stats.Records,
		Skipped:     stats.Skipped,
		Trips:       stats.Trips,
		Stops:       stats.Stops,
		Transfers:   transfers.Len(),
	})
	if err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	planner := NewPlanner(schedule, transfers, m.PlannerOptions...)

	logging.LogOperation(logger, "index_built",
		slog.Int("records", stats.Records),
		slog.Int("skipped", stats.Skipped),
		slog.Int("trips", stats.Trips),
		slog.Int("stops", stats.Stops),
		slog.Int("transfers", transfers.Len()),
		slog.Int("transfers_discarded", discarded),
		slog.Duration("duration", time.Since(start)))

	return planner, nil
}
