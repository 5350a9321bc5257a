package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the Wassette component host.
type Config struct {
	Port    int
	Version string

	// DataDir roots the on-disk component cache. Defaults to a wassette
	// folder under the per-user configuration directory.
	DataDir string

	// MaxFetchBytes bounds the size of any fetched component artifact.
	MaxFetchBytes int64

	// UnloadGrace bounds how long unload waits for in-flight calls to
	// drain before abandoning them.
	UnloadGrace time.Duration

	// EventBuffer sizes each event-bus subscriber's drop-oldest buffer.
	EventBuffer int

	Defaults  LimitDefaults
	Telemetry TelemetryConfig
}

// LimitDefaults are the resource ceilings applied when a policy does
// not set its own.
type LimitDefaults struct {
	MemoryBytes uint64
	Fuel        uint64
	Timeout     time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		Port:          envInt("WASSETTE_PORT", 9001),
		Version:       envStr("WASSETTE_VERSION", "0.1.0"),
		DataDir:       envStr("WASSETTE_DATA_DIR", defaultDataDir()),
		MaxFetchBytes: envInt64("WASSETTE_MAX_FETCH_BYTES", 256<<20),
		UnloadGrace:   envDur("WASSETTE_UNLOAD_GRACE", 5*time.Second),
		EventBuffer:   envInt("WASSETTE_EVENT_BUFFER", 256),
		Defaults: LimitDefaults{
			MemoryBytes: uint64(envInt64("WASSETTE_DEFAULT_MEMORY_BYTES", 256<<20)),
			Fuel:        uint64(envInt64("WASSETTE_DEFAULT_FUEL", 1_000_000)),
			Timeout:     envDur("WASSETTE_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "wassette"),
		},
	}
}

// defaultDataDir places the cache under os.UserConfigDir (on Linux the
// XDG config home, not the XDG data home), falling back to ~/.wassette
// when that directory is unknown.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "wassette")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wassette")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
