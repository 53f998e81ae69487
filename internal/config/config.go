package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file applied before environment variables.
const FileEnv = "BARWATCH_CONFIG"

const (
	EventStoreSQLite = "sqlite"
	EventStoreMongo  = "mongo"
)

type Config struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	QueueWorkers           int `yaml:"queue_workers"`
	MaxConcurrentBatchJobs int `yaml:"max_concurrent_batch_jobs"`

	BatchProcessingEnabled bool `yaml:"batch_processing_enabled"`
	SpikeDetectionEnabled  bool `yaml:"spike_detection_enabled"`
	RealTimeNotifications  bool `yaml:"real_time_notifications"`
	ParallelProcessing     bool `yaml:"parallel_processing"`

	OandaAPIURL  string `yaml:"oanda_api_url"`
	OandaAPIKey  string `yaml:"oanda_api_key"`
	OandaWorkers int    `yaml:"oanda_workers"`

	EventStore    string `yaml:"event_store"`
	MongoURI      string `yaml:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database"`

	SpikeInstruments []string `yaml:"spike_instruments"`
	SpikeTimeframes  []string `yaml:"spike_timeframes"`

	NotifyWSURL     string        `yaml:"notify_ws_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func defaults() Config {
	return Config{
		Port:                   "8080",
		DBPath:                 "barwatch.db",
		LogFile:                "barwatch.log",
		LogLevel:               "INFO",
		QueueWorkers:           4,
		MaxConcurrentBatchJobs: 2,
		BatchProcessingEnabled: true,
		SpikeDetectionEnabled:  false,
		RealTimeNotifications:  true,
		ParallelProcessing:     true,
		OandaAPIURL:            "https://api-fxpractice.oanda.com",
		OandaWorkers:           4,
		EventStore:             EventStoreSQLite,
		MongoDatabase:          "barwatch",
		SpikeInstruments:       []string{"EUR_USD", "GBP_USD", "USD_JPY"},
		SpikeTimeframes:        []string{"H1", "H4"},
		ShutdownTimeout:        30 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by BARWATCH_CONFIG, and finally environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.QueueWorkers = getEnvInt("QUEUE_WORKERS", cfg.QueueWorkers)
	cfg.MaxConcurrentBatchJobs = getEnvInt("MAX_CONCURRENT_BATCH_JOBS", cfg.MaxConcurrentBatchJobs)
	cfg.BatchProcessingEnabled = getEnvBool("BATCH_PROCESSING_ENABLED", cfg.BatchProcessingEnabled)
	cfg.SpikeDetectionEnabled = getEnvBool("SPIKE_DETECTION_ENABLED", cfg.SpikeDetectionEnabled)
	cfg.RealTimeNotifications = getEnvBool("REAL_TIME_NOTIFICATIONS", cfg.RealTimeNotifications)
	cfg.ParallelProcessing = getEnvBool("PARALLEL_PROCESSING", cfg.ParallelProcessing)
	cfg.OandaAPIURL = getEnv("OANDA_API_URL", cfg.OandaAPIURL)
	cfg.OandaAPIKey = getEnv("OANDA_API_KEY", cfg.OandaAPIKey)
	cfg.OandaWorkers = getEnvInt("OANDA_WORKERS", cfg.OandaWorkers)
	cfg.EventStore = strings.ToLower(getEnv("EVENT_STORE", cfg.EventStore))
	cfg.MongoURI = getEnv("MONGODB_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGODB_DATABASE", cfg.MongoDatabase)
	cfg.SpikeInstruments = getEnvList("SPIKE_INSTRUMENTS", cfg.SpikeInstruments)
	cfg.SpikeTimeframes = getEnvList("SPIKE_TIMEFRAMES", cfg.SpikeTimeframes)
	cfg.NotifyWSURL = getEnv("NOTIFY_WS_URL", cfg.NotifyWSURL)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.EventStore {
	case EventStoreSQLite:
	case EventStoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when EVENT_STORE=%s", EventStoreMongo)
		}
	default:
		return fmt.Errorf("unsupported EVENT_STORE %q", c.EventStore)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if c.MaxConcurrentBatchJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_BATCH_JOBS must be positive")
	}
	return nil
}

func (c Config) Level() slog.Level { return parseLogLevel(c.LogLevel) }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
