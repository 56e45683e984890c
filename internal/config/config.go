package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Reconciliation policy.
	Priority       domain.Priority
	StalenessBound time.Duration

	// Storage.
	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	// STAC source.
	STACBaseURL         string
	STACCollection      string
	STACTimeout         time.Duration
	STACMaxRetries      int
	STACPageLimit       int
	FetchConcurrency    int
	HistoricalCacheSize int

	// Refresh schedule.
	ScheduleEnabled    bool
	ScheduleRunOnStart bool
	NowInterval        time.Duration
	RecentCron         string
	HistoricalCron     string
	StationsCron       string

	// Kafka notifications.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	priority, err := domain.ParsePriority(sharedcfg.EnvOrDefault("TIER_PRIORITY", "historical,recent,now"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIER_PRIORITY: %w", err)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		Priority:        priority,

		StoreDriver: sharedcfg.EnvOrDefault("STORE_DRIVER", DriverMemory),
		SQLitePath:  sharedcfg.EnvOrDefault("SQLITE_PATH", "data/meteoswiss.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		STACBaseURL:    sharedcfg.EnvOrDefault("STAC_BASE_URL", "https://data.geo.admin.ch/api/stac/v1"),
		STACCollection: sharedcfg.EnvOrDefault("STAC_COLLECTION", "ch.meteoschweiz.ogd-smn"),

		RecentCron:     sharedcfg.EnvOrDefault("SCHEDULE_RECENT_CRON", "30 12 * * *"),
		HistoricalCron: sharedcfg.EnvOrDefault("SCHEDULE_HISTORICAL_CRON", "0 3 * * 0"),
		StationsCron:   sharedcfg.EnvOrDefault("SCHEDULE_STATIONS_CRON", "0 4 * * 1"),

		KafkaTopic: sharedcfg.EnvOrDefault("KAFKA_TOPIC", "meteoswiss-reconciled"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	durations := []struct {
		name string
		def  string
		dst  *time.Duration
	}{
		{"STALENESS_BOUND", "1h", &cfg.StalenessBound},
		{"STAC_TIMEOUT", "30s", &cfg.STACTimeout},
		{"SCHEDULE_NOW_INTERVAL", "10m", &cfg.NowInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		def  int
		min  int
		dst  *int
	}{
		{"STAC_MAX_RETRIES", 3, 0, &cfg.STACMaxRetries},
		{"STAC_PAGE_LIMIT", 100, 1, &cfg.STACPageLimit},
		{"FETCH_CONCURRENCY", 8, 1, &cfg.FetchConcurrency},
		{"HISTORICAL_CACHE_SIZE", 2000, 0, &cfg.HistoricalCacheSize},
	}
	for _, n := range ints {
		if *n.dst, err = parseInt(n.name, n.def, n.min); err != nil {
			return nil, err
		}
	}

	if cfg.ScheduleEnabled, err = parseBool("SCHEDULE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.ScheduleRunOnStart, err = parseBool("SCHEDULE_RUN_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.KafkaEnabled, err = parseBool("KAFKA_ENABLED", len(cfg.KafkaBrokers) > 0); err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: want memory, sqlite or postgres", cfg.StoreDriver)
	}

	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}

	return cfg, nil
}

func parsePositiveDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parseInt(name string, def, minimum int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", name, minimum)
	}
	return n, nil
}

func parseBool(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s", name)
	}
	return b, nil
}
