package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultHTTPAddr         = ":8081"
	defaultMetricsAddr      = ":9092"
	defaultPolicyPath       = "config/policy.yaml"
	defaultLeaseTTL         = 30 * time.Second
	defaultAutomationLevel  = 2
	defaultConfidenceFloor  = 0.6
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultArchiveRetention = 7 * 24 * time.Hour

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envHTTPAddr         = "TRADEFLOW_HTTP_ADDR"
	envMetricsAddr      = "TRADEFLOW_METRICS_ADDR"
	envPolicyPath       = "TRADEFLOW_POLICY_PATH"
	envLeaseTTL         = "TRADEFLOW_LEASE_TTL"
	envAutomationLevel  = "TRADEFLOW_DEFAULT_AUTOMATION"
	envConfidenceFloor  = "TRADEFLOW_ROUTER_CONFIDENCE_FLOOR"
	envOpenAIKey        = "OPENAI_API_KEY"
	envOpenAIModel      = "TRADEFLOW_OPENAI_MODEL"
	envEventsNATS       = "TRADEFLOW_EVENTS_NATS"
	envArchiveRetention = "TRADEFLOW_ARCHIVE_RETENTION"
)

// Config holds runtime configuration for the orchestration services.
// AutomationLevelSet is true when the level came from the environment and so
// outranks the policy file's default.
type Config struct {
	NatsURL            string
	RedisURL           string
	HTTPAddr           string
	MetricsAddr        string
	PolicyPath         string
	LeaseTTL           time.Duration
	AutomationLevel    int
	AutomationLevelSet bool
	ConfidenceFloor    float64
	OpenAIKey          string
	OpenAIModel        string
	EventsViaNATS      bool
	ArchiveRetention   time.Duration
}

// DefaultAutomation resolves the run default: environment first, then the
// policy file.
func (c *Config) DefaultAutomation(policy *PolicyConfig) int {
	if c.AutomationLevelSet || policy == nil || policy.DefaultAutomationLevel == 0 {
		return c.AutomationLevel
	}
	return clampLevel(policy.DefaultAutomationLevel)
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:            envString(envNATSURL, defaultNATSURL),
		RedisURL:           envString(envRedisURL, defaultRedisURL),
		HTTPAddr:           envString(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:        envString(envMetricsAddr, defaultMetricsAddr),
		PolicyPath:         envString(envPolicyPath, defaultPolicyPath),
		LeaseTTL:           envDuration(envLeaseTTL, defaultLeaseTTL),
		AutomationLevel:    clampLevel(envInt(envAutomationLevel, defaultAutomationLevel)),
		AutomationLevelSet: strings.TrimSpace(os.Getenv(envAutomationLevel)) != "",
		ConfidenceFloor:    envFloat(envConfidenceFloor, defaultConfidenceFloor),
		OpenAIKey:          strings.TrimSpace(os.Getenv(envOpenAIKey)),
		OpenAIModel:        envString(envOpenAIModel, defaultOpenAIModel),
		EventsViaNATS:      envBool(envEventsNATS),
		ArchiveRetention:   envDuration(envArchiveRetention, defaultArchiveRetention),
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 3 {
		return 3
	}
	return level
}
