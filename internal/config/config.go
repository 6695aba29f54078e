package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	SlackBotToken   string
	SlackChannel    string

	// Routing tunables. Defaults are the values the pipeline was designed
	// around; deployments may override any of them via env.
	SingleDispatchMin  float64
	SingleDispatchLead float64
	FanOutMin          float64
	FanOutCap          int
	HandoffHopLimit    int
	ClassifyTimeoutSec int
	FanOutTimeoutSec   int
	MutationRetries    int
	CacheTTLSec        int
	CacheSize          int
}

func Load() Config {
	return Config{
		Port:            envInt("WHISPERSYNC_PORT", 8760),
		NatsURL:         envStr("NATS_URL", "nats://localhost:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("WHISPERSYNC_MODEL", "claude-sonnet-4-20250514"),
		SlackBotToken:   envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:    envStr("SLACK_REVIEW_CHANNEL", ""),

		SingleDispatchMin:  envFloat("ROUTER_SINGLE_MIN", 0.70),
		SingleDispatchLead: envFloat("ROUTER_SINGLE_LEAD", 0.15),
		FanOutMin:          envFloat("ROUTER_FANOUT_MIN", 0.50),
		FanOutCap:          envInt("ROUTER_FANOUT_CAP", 5),
		HandoffHopLimit:    envInt("HANDOFF_HOP_LIMIT", 1),
		ClassifyTimeoutSec: envInt("CLASSIFY_TIMEOUT_SEC", 10),
		FanOutTimeoutSec:   envInt("FANOUT_TIMEOUT_SEC", 30),
		MutationRetries:    envInt("MUTATION_RETRIES", 3),
		CacheTTLSec:        envInt("CLASSIFY_CACHE_TTL_SEC", 900),
		CacheSize:          envInt("CLASSIFY_CACHE_SIZE", 2048),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
