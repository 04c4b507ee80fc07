package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "QUEUE_BACKEND", "KAFKA_BROKERS", "PRICE_SIM_SYMBOLS", "LOG_LEVEL", "JOB_TIMEOUT"} {
		t.Setenv(k, "")
	}

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Port != "8080" || c.QueueBackend != QueueMemory || c.QueueName != "montecarlo-var" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if c.JobMaxAttempts != 3 || c.JobBackoffInitial != 5*time.Second || c.JobTimeout != 0 {
		t.Errorf("unexpected job defaults: attempts=%d backoff=%v timeout=%v", c.JobMaxAttempts, c.JobBackoffInitial, c.JobTimeout)
	}
	if c.MCDefaultSimulations != 5000 || c.MCMaxSimulations != 1000000 {
		t.Errorf("unexpected simulation defaults %d/%d", c.MCDefaultSimulations, c.MCMaxSimulations)
	}
	if len(c.PriceSimSymbols) != 3 || c.PriceSimSymbols[2] != "BTC-USD" || c.PriceSimInterval != 10*time.Second {
		t.Errorf("unexpected price simulator defaults %v every %v", c.PriceSimSymbols, c.PriceSimInterval)
	}
	if c.LogLevel != slog.LevelInfo || c.CacheTTL != 30*time.Second {
		t.Errorf("unexpected level %v or ttl %v", c.LogLevel, c.CacheTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "Kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("PRICE_SIM_SYMBOLS", "aapl,msft")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RUN_MIGRATIONS", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.QueueBackend != QueueKafka || len(c.KafkaBrokers) != 2 || c.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected kafka settings %q %v", c.QueueBackend, c.KafkaBrokers)
	}
	if len(c.PriceSimSymbols) != 2 || c.PriceSimSymbols[0] != "AAPL" {
		t.Errorf("unexpected symbols %v", c.PriceSimSymbols)
	}
	if c.JobTimeout != 90*time.Second || c.LogLevel != slog.LevelDebug || !c.RunMigrations {
		t.Errorf("unexpected overrides %+v", c)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":     {"QUEUE_BACKEND": "sqs"},
		"redis without url":   {"QUEUE_BACKEND": "redis", "REDIS_URL": ""},
		"kafka without peers": {"QUEUE_BACKEND": "kafka", "KAFKA_BROKERS": ""},
		"bad int":             {"WORKER_CONCURRENCY": "four"},
		"bad duration":        {"JOB_BACKOFF_INITIAL": "5"},
		"default above max":   {"MC_DEFAULT_SIMULATIONS": "10", "MC_MAX_SIMULATIONS": "5"},
		"zero attempts":       {"JOB_MAX_ATTEMPTS": "0"},
		"negative interval":   {"PRICE_SIM_INTERVAL": "-1s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	t.Setenv("LOG_LEVEL", "verbose")
	c, err := Load()
	if err != nil {
		t.Fatalf("unknown LOG_LEVEL must not fail startup: %v", err)
	}
	if c.LogLevel != slog.LevelInfo {
		t.Errorf("expected info, got %v", c.LogLevel)
	}
}
