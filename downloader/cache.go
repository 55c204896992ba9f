package downloader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"tidbyt.dev/journey/logging"
)

// Storage for fetched files, keyed by source.
type Cache interface {
	// Returns the cached body for key, unless missing or
	// stored before notBefore.
	Lookup(key string, notBefore time.Time) ([]byte, bool, error)
	Store(key string, body []byte, at time.Time) error
}

// Fetches files, keeping copies in a Cache for requests with
// GetOptions.Cache set.
type CachingDownloader struct {
	Cache   Cache
	TimeNow func() time.Time
	Logger  *slog.Logger

	mutex sync.Mutex
}

// A downloader caching in memory.
func NewMemoryDownloader() *CachingDownloader {
	return &CachingDownloader{
		Cache:   NewMemoryCache(),
		TimeNow: time.Now,
	}
}

// A downloader caching in a JSON file at path, so cached feeds
// survive restarts.
func NewFilesystemDownloader(path string, logger *slog.Logger) (*CachingDownloader, error) {
	cache, err := NewFilesystemCache(path)
	if err != nil {
		return nil, err
	}
	return &CachingDownloader{
		Cache:   cache,
		TimeNow: time.Now,
		Logger:  logger,
	}, nil
}

func (d *CachingDownloader) Get(
	ctx context.Context,
	source string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	logger := logging.OrDefault(d.Logger)

	if options.Cache {
		d.mutex.Lock()
		defer d.mutex.Unlock()

		body, found, err := d.Cache.Lookup(source, d.TimeNow().Add(-options.CacheTTL))
		if err != nil {
			return nil, fmt.Errorf("cache lookup: %w", err)
		}
		if found {
			logger.Debug("cache hit", slog.String("source", source))
			return body, nil
		}
	}

	body, err := Fetch(ctx, source, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache {
		err = d.Cache.Store(source, body, d.TimeNow())
		if err != nil {
			return nil, fmt.Errorf("cache store: %w", err)
		}
	}

	return body, nil
}

type memoryCacheEntry struct {
	data     []byte
	storedAt time.Time
}

type MemoryCache struct {
	entries map[string]memoryCacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryCacheEntry{}}
}

func (c *MemoryCache) Lookup(key string, notBefore time.Time) ([]byte, bool, error) {
	entry, ok := c.entries[key]
	if !ok || entry.storedAt.Before(notBefore) {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (c *MemoryCache) Store(key string, body []byte, at time.Time) error {
	c.entries[key] = memoryCacheEntry{data: body, storedAt: at}
	return nil
}

type fsRecord struct {
	Body        string `json:"body"`
	RetrievedAt string `json:"retrieved_at"`
}

// Keeps cached bodies base64 encoded in a single JSON file.
type FilesystemCache struct {
	Path    string
	Records map[string]fsRecord
}

func NewFilesystemCache(path string) (*FilesystemCache, error) {
	c := &FilesystemCache{
		Path:    path,
		Records: map[string]fsRecord{},
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	err = json.Unmarshal(buf, &c.Records)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling: %w", err)
	}

	return c, nil
}

func (c *FilesystemCache) Lookup(key string, notBefore time.Time) ([]byte, bool, error) {
	record, found := c.Records[key]
	if !found {
		return nil, false, nil
	}

	retrievedAt, err := time.Parse(time.RFC3339, record.RetrievedAt)
	if err != nil {
		return nil, false, err
	}
	if retrievedAt.Before(notBefore) {
		return nil, false, nil
	}

	body, err := base64.StdEncoding.DecodeString(record.Body)
	if err != nil {
		return nil, false, fmt.Errorf("decoding: %w", err)
	}
	return body, true, nil
}

func (c *FilesystemCache) Store(key string, body []byte, at time.Time) error {
	c.Records[key] = fsRecord{
		Body:        base64.StdEncoding.EncodeToString(body),
		RetrievedAt: at.UTC().Format(time.RFC3339),
	}

	buf, err := json.Marshal(c.Records)
	if err != nil {
		return fmt.Errorf("marshalling: %w", err)
	}

	err = os.WriteFile(c.Path, buf, 0644)
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	return nil
}
