// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueKafka  = "kafka"
)

// Config holds all runtime settings. Zero values of optional fields
// disable the feature they configure.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	CacheTTL      time.Duration
	RunMigrations bool
	LogLevel      slog.Level

	QueueBackend string
	QueueName    string
	KafkaBrokers []string
	KafkaGroupID string

	WorkerConcurrency int
	JobMaxAttempts    int
	JobBackoffInitial time.Duration
	JobTimeout        time.Duration

	MCParallelism        int
	MCDefaultSimulations int
	MCMaxSimulations     int

	PriceSimSymbols  []string
	PriceSimInterval time.Duration // 0 disables the price simulator
}

// Load reads Config from the environment, applying defaults.
func Load() (*Config, error) {
	c := &Config{
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		QueueBackend: strings.ToLower(getEnv("QUEUE_BACKEND", QueueMemory)),
		QueueName:    getEnv("QUEUE_NAME", "montecarlo-var"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "var-engine"),
	}
	for _, sym := range splitList(getEnv("PRICE_SIM_SYMBOLS", "AAPL,TSLA,BTC-USD")) {
		c.PriceSimSymbols = append(c.PriceSimSymbols, strings.ToUpper(sym))
	}

	var err error
	if c.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.RunMigrations, err = getBool("RUN_MIGRATIONS", false); err != nil {
		return nil, err
	}
	c.LogLevel = ParseLevel(os.Getenv("LOG_LEVEL"))
	if c.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 2); err != nil {
		return nil, err
	}
	if c.JobMaxAttempts, err = getInt("JOB_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if c.JobBackoffInitial, err = getDuration("JOB_BACKOFF_INITIAL", 5*time.Second); err != nil {
		return nil, err
	}
	if c.JobTimeout, err = getDuration("JOB_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if c.MCParallelism, err = getInt("MC_PARALLELISM", 0); err != nil {
		return nil, err
	}
	if c.MCDefaultSimulations, err = getInt("MC_DEFAULT_SIMULATIONS", 5000); err != nil {
		return nil, err
	}
	if c.MCMaxSimulations, err = getInt("MC_MAX_SIMULATIONS", 1000000); err != nil {
		return nil, err
	}
	if c.PriceSimInterval, err = getDuration("PRICE_SIM_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
	case QueueKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("QUEUE_BACKEND=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1, got %d", c.JobMaxAttempts)
	}
	if c.MCDefaultSimulations < 1 || c.MCDefaultSimulations > c.MCMaxSimulations {
		return fmt.Errorf("MC_DEFAULT_SIMULATIONS must be in [1, %d], got %d", c.MCMaxSimulations, c.MCDefaultSimulations)
	}
	if c.PriceSimInterval < 0 {
		return fmt.Errorf("PRICE_SIM_INTERVAL must not be negative")
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
