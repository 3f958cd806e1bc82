// Package config centralizes the environment-variable loading pattern the
// teacher scatters across plugins.go/task_executor.go as ad-hoc
// os.Getenv/getEnvDefault calls.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable knob the engine reads at startup.
type Config struct {
	HTTPAddr          string
	DataDir           string
	CacheDir          string
	MaxWorkers        int
	AgentRPCAttempts  int
	AgentRPCMinWait   time.Duration
	AgentRPCMaxWait   time.Duration
	LeaseSweepInterval time.Duration
	ObjectStoreEndpoint string
	ObjectStoreBucket   string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreUseTLS    bool

	// Agent RPC circuit breaker, guarding dispatch to a misbehaving agent.
	BreakerWindow            time.Duration
	BreakerBuckets           int
	BreakerMinSamples        int
	BreakerFailureRateOpen   float64
	BreakerHalfOpenAfter     time.Duration
	BreakerMaxHalfOpenProbes int
}

// Load reads configuration from the process environment, applying the same
// defaults style the teacher's getEnvDefault helper does.
func Load() Config {
	return Config{
		HTTPAddr:             getEnvDefault("WFE_HTTP_ADDR", ":8080"),
		DataDir:              getEnvDefault("WFE_DATA_DIR", "./data"),
		CacheDir:             getEnvDefault("WFE_CACHE_DIR", "./data/cache"),
		MaxWorkers:           getEnvInt("WFE_MAX_WORKERS", 8),
		AgentRPCAttempts:     getEnvInt("WFE_AGENT_RPC_ATTEMPTS", 3),
		AgentRPCMinWait:      getEnvDuration("WFE_AGENT_RPC_MIN_WAIT", 50*time.Millisecond),
		AgentRPCMaxWait:      getEnvDuration("WFE_AGENT_RPC_MAX_WAIT", 30*time.Second),
		LeaseSweepInterval:   getEnvDuration("WFE_LEASE_SWEEP_INTERVAL", 30*time.Second),
		ObjectStoreEndpoint:  getEnvDefault("WFE_OBJECTSTORE_ENDPOINT", "localhost:9000"),
		ObjectStoreBucket:    getEnvDefault("WFE_OBJECTSTORE_BUCKET", "workflow-engine"),
		ObjectStoreAccessKey: getEnvDefault("WFE_OBJECTSTORE_ACCESS_KEY", "minioadmin"),
		ObjectStoreSecretKey: getEnvDefault("WFE_OBJECTSTORE_SECRET_KEY", "minioadmin"),
		ObjectStoreUseTLS:    getEnvBool("WFE_OBJECTSTORE_TLS", false),

		BreakerWindow:            getEnvDuration("WFE_AGENT_BREAKER_WINDOW", time.Minute),
		BreakerBuckets:           getEnvInt("WFE_AGENT_BREAKER_BUCKETS", 10),
		BreakerMinSamples:        getEnvInt("WFE_AGENT_BREAKER_MIN_SAMPLES", 5),
		BreakerFailureRateOpen:   getEnvFloat("WFE_AGENT_BREAKER_FAILURE_RATE_OPEN", 0.5),
		BreakerHalfOpenAfter:     getEnvDuration("WFE_AGENT_BREAKER_HALF_OPEN_AFTER", 30*time.Second),
		BreakerMaxHalfOpenProbes: getEnvInt("WFE_AGENT_BREAKER_MAX_HALF_OPEN_PROBES", 3),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
