package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	OverflowDropNewest = "drop_newest"
	OverflowDropOldest = "drop_oldest"

	DeadLetterQuarantine = "quarantine"
	DeadLetterDrop       = "drop"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	KafkaBrokers     string        `env:"KAFKA_BROKERS"`
	KafkaTopic       string        `env:"KAFKA_TOPIC" default:"sensor-data-topic"`
	KafkaGroupID     string        `env:"KAFKA_GROUP_ID" default:"urbanpulse-ingest"`
	KafkaPollTimeout time.Duration `env:"KAFKA_POLL_TIMEOUT" default:"1s"`
	WorkerCount      int           `env:"WORKER_COUNT" default:"8"`
	WorkerQueueSize  int           `env:"WORKER_QUEUE_SIZE" default:"64"`

	ClassifierURL              string        `env:"CLASSIFIER_URL" default:"http://localhost:5000"`
	ClassifierTimeout          time.Duration `env:"CLASSIFIER_TIMEOUT" default:"10s"`
	ClassifierMaxAttempts      int           `env:"CLASSIFIER_MAX_ATTEMPTS" default:"3"`
	ClassifierInitialBackoff   time.Duration `env:"CLASSIFIER_INITIAL_BACKOFF" default:"1s"`
	ClassifierMaxBackoff       time.Duration `env:"CLASSIFIER_MAX_BACKOFF" default:"4s"`
	ClassifierBreakerThreshold int           `env:"CLASSIFIER_BREAKER_THRESHOLD" default:"5"`
	ClassifierBreakerDelay     time.Duration `env:"CLASSIFIER_BREAKER_DELAY" default:"30s"`
	ClassifierRateLimit        float64       `env:"CLASSIFIER_RATE_LIMIT" default:"0"` // requests/second, 0 disables
	ClassifierProbeInterval    time.Duration `env:"CLASSIFIER_PROBE_INTERVAL" default:"30s"`

	AllowedOrigins     string `env:"WS_ALLOWED_ORIGINS"`
	BroadcastChannel   string `env:"BROADCAST_CHANNEL" default:"sensor-data"`
	BroadcastQueueSize int    `env:"BROADCAST_QUEUE_SIZE" default:"1024"`
	BroadcastOverflow  string `env:"BROADCAST_OVERFLOW" default:"drop_newest"`

	DeadLetterPolicy string `env:"DEAD_LETTER_POLICY" default:"quarantine"`
	QuarantineMaxLen int64  `env:"QUARANTINE_MAX_LEN" default:"10000"`

	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"20"` // requests/second per client IP
	APIRateBurst int     `env:"API_RATE_BURST" default:"40"`
}

// Brokers splits KAFKA_BROKERS on commas.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Origins splits WS_ALLOWED_ORIGINS on commas.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	loadDotEnv()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"KAFKA_BROKERS", cfg.KafkaBrokers},
		{"KAFKA_TOPIC", cfg.KafkaTopic},
		{"KAFKA_GROUP_ID", cfg.KafkaGroupID},
		{"CLASSIFIER_URL", cfg.ClassifierURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if u, err := url.Parse(cfg.ClassifierURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CLASSIFIER_URL must be an absolute http(s) URL, got %q", cfg.ClassifierURL)
	}

	if cfg.ClassifierMaxAttempts < 1 {
		return errors.New("CLASSIFIER_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ClassifierTimeout <= 0 {
		return errors.New("CLASSIFIER_TIMEOUT must be positive")
	}
	if cfg.ClassifierRateLimit < 0 {
		return errors.New("CLASSIFIER_RATE_LIMIT must not be negative")
	}
	if cfg.APIRateLimit <= 0 || cfg.APIRateBurst < 1 {
		return errors.New("API_RATE_LIMIT must be positive and API_RATE_BURST at least 1")
	}
	if cfg.WorkerCount < 1 {
		return errors.New("WORKER_COUNT must be at least 1")
	}
	if cfg.WorkerQueueSize < 0 {
		return errors.New("WORKER_QUEUE_SIZE must not be negative")
	}
	if cfg.BroadcastQueueSize < 1 {
		return errors.New("BROADCAST_QUEUE_SIZE must be at least 1")
	}

	switch cfg.BroadcastOverflow {
	case OverflowDropNewest, OverflowDropOldest:
	default:
		return fmt.Errorf("BROADCAST_OVERFLOW must be %q or %q, got %q", OverflowDropNewest, OverflowDropOldest, cfg.BroadcastOverflow)
	}

	switch cfg.DeadLetterPolicy {
	case DeadLetterQuarantine, DeadLetterDrop:
	default:
		return fmt.Errorf("DEAD_LETTER_POLICY must be %q or %q, got %q", DeadLetterQuarantine, DeadLetterDrop, cfg.DeadLetterPolicy)
	}

	if cfg.IsProduction() {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SimulatorConfig drives cmd/simulator.
type SimulatorConfig struct {
	KafkaBrokers     string        `env:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic       string        `env:"KAFKA_TOPIC" default:"sensor-data-topic"`
	LogLevel         string        `env:"LOG_LEVEL" default:"info"`
	LogFormat        string        `env:"LOG_FORMAT" default:"text"`
	Devices          int           `env:"SIM_DEVICES" default:"1"`
	DevicePrefix     string        `env:"SIM_DEVICE_PREFIX" default:"sensor-tokyo"`
	Interval         time.Duration `env:"SIM_INTERVAL" default:"5s"`
	BaseLatitude     float64       `env:"SIM_BASE_LATITUDE" default:"35.6895"`
	BaseLongitude    float64       `env:"SIM_BASE_LONGITUDE" default:"139.6917"`
	MinPM25          float64       `env:"SIM_MIN_PM25" default:"5"`
	MaxPM25          float64       `env:"SIM_MAX_PM25" default:"35"`
	SpikeProbability float64       `env:"SIM_SPIKE_PROBABILITY" default:"0"`
}

func (c *SimulatorConfig) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func LoadSimulator() (*SimulatorConfig, error) {
	loadDotEnv()

	var cfg SimulatorConfig
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(cfg.Brokers()) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.Devices < 1 {
		return nil, errors.New("SIM_DEVICES must be at least 1")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("SIM_INTERVAL must be positive")
	}
	if cfg.MaxPM25 < cfg.MinPM25 {
		return nil, errors.New("SIM_MAX_PM25 must not be below SIM_MIN_PM25")
	}
	if cfg.SpikeProbability < 0 || cfg.SpikeProbability > 1 {
		return nil, errors.New("SIM_SPIKE_PROBABILITY must be between 0 and 1")
	}

	return &cfg, nil
}
