package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStorageBackend  = "sqlite"
	DefaultServerAddr      = ":8080"
	DefaultNATSSubject     = "journey"
	DefaultFeedTimeout     = 60 * time.Second
	DefaultFeedMaxSize     = 800 << 20
	DefaultRefreshInterval = time.Hour
)

type Config struct {
	// Feed sources, URLs or local paths.
	Feeds []string `yaml:"feeds" validate:"dive,required"`

	Feed    FeedConfig    `yaml:"feed"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Log     LogConfig     `yaml:"log"`
}

type FeedConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSize int           `yaml:"max_size" validate:"gte=0"`

	// Use the full GTFS parser.
	Strict bool `yaml:"strict"`

	// Zero disables periodic refresh.
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=0"`

	// Where fetched feeds are cached between runs. Empty caches in
	// memory only.
	CacheFile string `yaml:"cache_file"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend" validate:"required,oneof=memory sqlite postgres json"`
	Directory string `yaml:"directory"`

	PostgresURL    string `yaml:"postgres_url" validate:"required_if=Backend postgres"`
	PostgresDriver string `yaml:"postgres_driver" validate:"omitempty,oneof=postgres pgx"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// NATS request/reply. Disabled when URL is empty.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Timeout:         DefaultFeedTimeout,
			MaxSize:         DefaultFeedMaxSize,
			RefreshInterval: DefaultRefreshInterval,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
		},
		Server: ServerConfig{
			Addr: DefaultServerAddr,
		},
		NATS: NATSConfig{
			Subject: DefaultNATSSubject,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Loads configuration. Defaults are overlaid by the YAML file at
// path (if path is non-empty), then by JOURNEY_* environment
// variables, which may come from a .env file. The result is
// validated.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("JOURNEY_FEEDS"); v != "" {
		cfg.Feeds = nil
		for _, feed := range strings.Split(v, ",") {
			if feed = strings.TrimSpace(feed); feed != "" {
				cfg.Feeds = append(cfg.Feeds, feed)
			}
		}
	}

	if v := os.Getenv("JOURNEY_FEED_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid JOURNEY_FEED_TIMEOUT: %q", v)
		}
		cfg.Feed.Timeout = d
	}

	if v := os.Getenv("JOURNEY_FEED_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid JOURNEY_FEED_MAX_SIZE: %q", v)
		}
		cfg.Feed.MaxSize = n
	}

	if v := os.Getenv("JOURNEY_STRICT_PARSE"); v != "" {
		cfg.Feed.Strict = parseBool(v)
	}

	if v := os.Getenv("JOURNEY_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid JOURNEY_REFRESH_INTERVAL: %q", v)
		}
		cfg.Feed.RefreshInterval = d
	}

	setString(&cfg.Feed.CacheFile, "JOURNEY_CACHE_FILE")
	setString(&cfg.Storage.Backend, "JOURNEY_STORAGE_BACKEND")
	setString(&cfg.Storage.Directory, "JOURNEY_STORAGE_DIR")
	setString(&cfg.Storage.PostgresURL, "DATABASE_URL", "JOURNEY_POSTGRES_URL")
	setString(&cfg.Storage.PostgresDriver, "JOURNEY_POSTGRES_DRIVER")
	setString(&cfg.Server.Addr, "JOURNEY_SERVER_ADDR")
	setString(&cfg.NATS.URL, "NATS_URL", "JOURNEY_NATS_URL")
	setString(&cfg.NATS.Subject, "JOURNEY_NATS_SUBJECT")
	setString(&cfg.Log.Level, "JOURNEY_LOG_LEVEL")
	setString(&cfg.Log.Format, "JOURNEY_LOG_FORMAT")

	return nil
}

// Sets dst from the last of names that is set.
func setString(dst *string, names ...string) {
	for i := len(names) - 1; i >= 0; i-- {
		if v := strings.TrimSpace(os.Getenv(names[i])); v != "" {
			*dst = v
			return
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}
