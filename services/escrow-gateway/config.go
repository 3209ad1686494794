package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the
// gateway. RatePerMinute overrides the gateway-wide request budget for this
// key; zero means the default applies.
type APIKeyConfig struct {
	Key           string `json:"key"`
	Secret        string `json:"secret"`
	RatePerMinute int    `json:"ratePerMinute,omitempty"`
}

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress        string
	Environment          string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	NonceDatabasePath    string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	RatePerMinute        int
	PollInterval         time.Duration
	WebhookQueueCapacity int
	WebhookHistorySize   int
	WebhookQueueTTL      time.Duration
}

// LoadConfigFromEnv builds a configuration using environment variables. Every
// knob lives under the CUSTOS_GATEWAY_ prefix; only NODE_URL and API_KEYS are
// mandatory.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("CUSTOS_GATEWAY_LISTEN", ":8081"),
		Environment:          getenvDefault("CUSTOS_GATEWAY_ENV", "dev"),
		NodeURL:              strings.TrimSpace(os.Getenv("CUSTOS_GATEWAY_NODE_URL")),
		NodeAuthToken:        strings.TrimSpace(os.Getenv("CUSTOS_GATEWAY_NODE_TOKEN")),
		DatabasePath:         getenvDefault("CUSTOS_GATEWAY_DB_PATH", "escrow-gateway.db"),
		NonceDatabasePath:    strings.TrimSpace(os.Getenv("CUSTOS_GATEWAY_NONCE_DB")),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        4096,
		RatePerMinute:        600,
		PollInterval:         defaultPollInterval,
		WebhookQueueCapacity: defaultTaskCapacity,
		WebhookHistorySize:   defaultHistoryCapacity,
		WebhookQueueTTL:      defaultQueueTTL,
	}
	if cfg.NodeURL == "" {
		return Config{}, errors.New("CUSTOS_GATEWAY_NODE_URL is required")
	}

	if err := durationEnv("CUSTOS_GATEWAY_TIMESTAMP_SKEW", &cfg.AllowedTimestampSkew); err != nil {
		return Config{}, err
	}
	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if err := durationEnv("CUSTOS_GATEWAY_NONCE_TTL", &cfg.NonceTTL); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}
	if err := intEnv("CUSTOS_GATEWAY_NONCE_CAP", &cfg.NonceCapacity); err != nil {
		return Config{}, err
	}
	if err := intEnv("CUSTOS_GATEWAY_RATE_LIMIT", &cfg.RatePerMinute); err != nil {
		return Config{}, err
	}
	if err := durationEnv("CUSTOS_GATEWAY_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if err := intEnv("CUSTOS_GATEWAY_QUEUE_CAP", &cfg.WebhookQueueCapacity); err != nil {
		return Config{}, err
	}
	if err := intEnv("CUSTOS_GATEWAY_QUEUE_HISTORY", &cfg.WebhookHistorySize); err != nil {
		return Config{}, err
	}
	if err := durationEnv("CUSTOS_GATEWAY_QUEUE_TTL", &cfg.WebhookQueueTTL); err != nil {
		return Config{}, err
	}

	// API keys arrive as a JSON array:
	// [{"key":"k","secret":"s","ratePerMinute":120}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("CUSTOS_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("CUSTOS_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, fmt.Errorf("parse CUSTOS_GATEWAY_API_KEYS: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		if _, dup := seen[key]; dup {
			return Config{}, fmt.Errorf("duplicate api key %q", key)
		}
		seen[key] = struct{}{}
		if entry.RatePerMinute < 0 {
			return Config{}, fmt.Errorf("api key %q: ratePerMinute must not be negative", key)
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret, RatePerMinute: entry.RatePerMinute})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

// SecretsByKey returns the api-key to secret mapping consumed by the
// authenticator.
func (c Config) SecretsByKey() map[string]string {
	secrets := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		secrets[entry.Key] = entry.Secret
	}
	return secrets
}

// RateOverrides returns the per-key request budgets that differ from the
// gateway default.
func (c Config) RateOverrides() map[string]int {
	overrides := make(map[string]int)
	for _, entry := range c.APIKeys {
		if entry.RatePerMinute > 0 {
			overrides[entry.Key] = entry.RatePerMinute
		}
	}
	return overrides
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func durationEnv(name string, out *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if dur <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*out = dur
	return nil
}

func intEnv(name string, out *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*out = val
	return nil
}
