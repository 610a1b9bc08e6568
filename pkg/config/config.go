package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
)

// Config holds kernel configuration.
type Config struct {
	DataDir    string
	LedgerPath string
	StatePath  string
	LogLevel   string

	ClassificationWindow time.Duration
	WatchdogInterval     time.Duration
	WatchdogTimeout      time.Duration
	HeartbeatTimeout     time.Duration
	CursorTolerance      int
	SettleDelay          time.Duration
	ActionsPerSecond     float64

	PolicyProfile string
	AuditIndexDSN string
	RedisURL      string
	// SigningSeed is hex in the environment.
	SigningSeed []byte

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables. Malformed numeric
// values fall back to their defaults; Validate reports inconsistent ones.
func Load() *Config {
	dataDir := os.Getenv("SENTINEL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	ledgerPath := os.Getenv("SENTINEL_LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = filepath.Join(dataDir, "audit.jsonl")
	}

	statePath := os.Getenv("SENTINEL_STATE_PATH")
	if statePath == "" {
		statePath = filepath.Join(dataDir, "authority.json")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	arb := arbitration.DefaultConfig()

	var seed []byte
	if s := os.Getenv("SENTINEL_SIGNING_SEED"); s != "" {
		if b, err := hex.DecodeString(s); err == nil {
			seed = b
		} else {
			slog.Warn("ignoring malformed SENTINEL_SIGNING_SEED", "error", err)
		}
	}

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}

	return &Config{
		DataDir:    dataDir,
		LedgerPath: ledgerPath,
		StatePath:  statePath,
		LogLevel:   logLevel,

		ClassificationWindow: millis("SENTINEL_CLASSIFICATION_WINDOW_MS", arb.ClassificationWindow),
		WatchdogInterval:     millis("SENTINEL_WATCHDOG_INTERVAL_MS", arb.WatchdogInterval),
		WatchdogTimeout:      millis("SENTINEL_WATCHDOG_TIMEOUT_MS", arb.WatchdogTimeout),
		HeartbeatTimeout:     millis("SENTINEL_HEARTBEAT_TIMEOUT_MS", 5*time.Second),
		CursorTolerance:      integer("SENTINEL_CURSOR_TOLERANCE_PX", 0),
		SettleDelay:          millis("SENTINEL_SETTLE_DELAY_MS", 50*time.Millisecond),
		ActionsPerSecond:     float("SENTINEL_ACTIONS_PER_SECOND", 10),

		PolicyProfile: os.Getenv("SENTINEL_POLICY_PROFILE"),
		AuditIndexDSN: os.Getenv("SENTINEL_AUDIT_INDEX_DSN"),
		RedisURL:      os.Getenv("SENTINEL_REDIS_URL"),
		SigningSeed:   seed,

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: otelEndpoint,
	}
}

func millis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed duration", "key", key, "value", v)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer", "key", key, "value", v)
		return def
	}
	return n
}

func float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed number", "key", key, "value", v)
		return def
	}
	return f
}

// Arbitration returns the arbitrator timings.
func (c *Config) Arbitration() arbitration.Config {
	return arbitration.Config{
		ClassificationWindow: c.ClassificationWindow,
		WatchdogInterval:     c.WatchdogInterval,
		WatchdogTimeout:      c.WatchdogTimeout,
	}
}

// Observability returns the OpenTelemetry settings.
func (c *Config) Observability() observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	return oc
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Arbitration().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat timeout must be positive, got %s", c.HeartbeatTimeout))
	}
	if c.CursorTolerance < 0 {
		errs = append(errs, fmt.Errorf("cursor tolerance must not be negative, got %d", c.CursorTolerance))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle delay must not be negative, got %s", c.SettleDelay))
	}
	if c.ActionsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("actions per second must not be negative, got %g", c.ActionsPerSecond))
	}
	if n := len(c.SigningSeed); n != 0 && n < 16 {
		errs = append(errs, fmt.Errorf("signing seed must be at least 16 bytes, got %d", n))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, INFO if it is unknown.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// Profile loads the configured policy profile, or the built-in default when
// none is configured.
func (c *Config) Profile() (policy.Profile, error) {
	if c.PolicyProfile == "" {
		return policy.DefaultProfile(), nil
	}
	return policy.LoadProfile(c.PolicyProfile)
}
