package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Inquiry orchestrator.
type Config struct {
	Port        int
	Version     string
	Store       StoreConfig
	Jobs        JobsConfig
	Protocol    ProtocolConfig
	FlowControl FlowControlConfig
	Reclaimer   ReclaimerConfig
	Telemetry   TelemetryConfig
}

type StoreConfig struct {
	// Backend selects the job store: "memory" or "sqlite".
	Backend string
	// Path is the sqlite database file (ignored for memory).
	Path string
}

type JobsConfig struct {
	// LeaseTimeout is how long a processing job may go without a
	// heartbeat before the reclaimer fails it.
	LeaseTimeout time.Duration
	// HeartbeatInterval must stay below LeaseTimeout/3 so at least two
	// heartbeats land inside every lease window.
	HeartbeatInterval time.Duration
}

type ProtocolConfig struct {
	// SupportedVersions is ordered newest-first; the first entry is the
	// default offered when a client proposes none.
	SupportedVersions []string
	// MonitorPollInterval is the job monitor tick.
	MonitorPollInterval time.Duration
	// MonitorBatchSize caps events fetched per tick.
	MonitorBatchSize int
}

type FlowControlConfig struct {
	// EMAHalfLife drives the cadence-error smoothing factor.
	EMAHalfLife time.Duration
	// BreakerThreshold is the |ema error| level that trips the breaker.
	BreakerThreshold float64
	// BreakerCooldown is how long the breaker stays open after a trip.
	BreakerCooldown time.Duration
	// TargetTokenRate is the pacing budget in tokens/second. Zero
	// disables pacing: sessions send in pass-through mode, every frame
	// straight to the wire.
	TargetTokenRate float64
	// MaxFlushInterval is the longest buffered frames may wait.
	MaxFlushInterval time.Duration
	// MaxBufferBytes triggers an immediate flush when exceeded.
	MaxBufferBytes int
	// JitterRingSize bounds the inter-arrival sample buffer.
	JitterRingSize int
	// JitterCeiling discards implausible inter-arrival deltas.
	JitterCeiling time.Duration
}

type ReclaimerConfig struct {
	// SweepInterval is how often stale leases and expired idempotency
	// keys are collected.
	SweepInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("INQUIRY_PORT", 8080),
		Version: envStr("INQUIRY_VERSION", "0.4.0"),
		Store: StoreConfig{
			Backend: envStr("INQUIRY_STORE", "memory"),
			Path:    envStr("INQUIRY_STORE_PATH", "inquiry.db"),
		},
		Jobs: JobsConfig{
			LeaseTimeout:      envDur("INQUIRY_LEASE_TIMEOUT", 60*time.Second),
			HeartbeatInterval: envDur("INQUIRY_HEARTBEAT_INTERVAL", 15*time.Second),
		},
		Protocol: ProtocolConfig{
			SupportedVersions:   envList("INQUIRY_PROTOCOL_VERSIONS", []string{"2025-03-26", "2024-11-05"}),
			MonitorPollInterval: envDur("INQUIRY_MONITOR_POLL_INTERVAL", 500*time.Millisecond),
			MonitorBatchSize:    envInt("INQUIRY_MONITOR_BATCH_SIZE", 50),
		},
		FlowControl: FlowControlConfig{
			EMAHalfLife:      envDur("INQUIRY_EMA_HALF_LIFE", 5*time.Second),
			BreakerThreshold: envFloat("INQUIRY_BREAKER_THRESHOLD", 0.5),
			BreakerCooldown:  envDur("INQUIRY_BREAKER_COOLDOWN", 10*time.Second),
			TargetTokenRate:  envFloat("INQUIRY_TARGET_TOKEN_RATE", 0),
			MaxFlushInterval: envDur("INQUIRY_MAX_FLUSH_INTERVAL", 250*time.Millisecond),
			MaxBufferBytes:   envInt("INQUIRY_MAX_BUFFER_BYTES", 32*1024),
			JitterRingSize:   envInt("INQUIRY_JITTER_RING_SIZE", 256),
			JitterCeiling:    envDur("INQUIRY_JITTER_CEILING", 30*time.Second),
		},
		Reclaimer: ReclaimerConfig{
			SweepInterval: envDur("INQUIRY_RECLAIMER_SWEEP_INTERVAL", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "inquiry-orchestrator"),
		},
	}
}

// DefaultProtocolVersion is the version offered when a client proposes none.
func (p ProtocolConfig) DefaultProtocolVersion() string {
	if len(p.SupportedVersions) == 0 {
		return ""
	}
	return p.SupportedVersions[0]
}

// Supports reports whether the given protocol version is in the supported set.
func (p ProtocolConfig) Supports(version string) bool {
	for _, v := range p.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
