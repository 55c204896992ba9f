package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/config"
	"tidbyt.dev/journey/downloader"
	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/storage"
)

var rootCmd = &cobra.Command{
	Use:          "journey",
	Short:        "Timetable journey planner",
	Long:         "Builds journey indexes from GTFS feeds and answers direct and one transfer queries",
	SilenceUsage: true,
}

var (
	configPath  string
	feeds       []string
	headers     []string
	backend     string
	storageDir  string
	logLevel    string
	logFormat   string
	strictParse bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringSliceVarP(&feeds, "feed", "f", []string{}, "GTFS feed URL or path (overrides config)")
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "", []string{}, "HTTP header for feed requests, <key>:<value>")
	rootCmd.PersistentFlags().StringVarP(&backend, "storage", "s", "", "Storage backend: memory, sqlite, postgres or json")
	rootCmd.PersistentFlags().StringVarP(&storageDir, "storage-dir", "", "", "Directory for sqlite and json storage")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "", "", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&strictParse, "strict", "", false, "Parse feeds with the full GTFS parser")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Loads config, with command line flags taking precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("feed") {
		cfg.Feeds = feeds
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if storageDir != "" {
		cfg.Storage.Directory = storageDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("strict") {
		cfg.Feed.Strict = strictParse
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("no feeds configured, use --feed")
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewStructuredLogger(os.Stderr, level, cfg.Log.Format), nil
}

func openStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	dir := cfg.Storage.Directory
	if dir == "" {
		dir = "."
	}

	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: dir})
	case "json":
		return storage.NewJSONStorage(dir, logger)
	case "postgres":
		driver := cfg.Storage.PostgresDriver
		if driver == "" {
			driver = "postgres"
		}
		return storage.NewPSQLStorageWithDriver(driver, cfg.Storage.PostgresURL, false)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Storage.Backend)
}

// Sets up a Manager as configured.
func newManager(cfg *config.Config, logger *slog.Logger, opts ...journey.PlannerOption) (*journey.Manager, error) {
	s, err := openStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	h, err := parseHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	m := journey.NewManager(s)
	m.Logger = logger
	m.Headers = h
	m.FeedTimeout = cfg.Feed.Timeout
	m.FeedMaxSize = cfg.Feed.MaxSize
	m.StrictParse = cfg.Feed.Strict
	m.PlannerOptions = append([]journey.PlannerOption{journey.WithLogger(logger)}, opts...)

	if cfg.Feed.CacheFile != "" {
		d, err := downloader.NewFilesystemDownloader(cfg.Feed.CacheFile, logger)
		if err != nil {
			return nil, fmt.Errorf("creating feed cache: %w", err)
		}
		m.Downloader = d
		m.CacheTTL = cfg.Feed.RefreshInterval
	}

	return m, nil
}
