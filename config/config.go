// Package config loads the relay's configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every recognized option with defaults applied.
type Config struct {
	// ListenAddr is the websocket endpoint bind address.
	ListenAddr string
	// AdminAddr is the admin HTTP surface bind address.
	AdminAddr string
	// RedisURL is the presence/queue store endpoint. Empty selects the
	// in-memory store (single-node operation).
	RedisURL string
	// AllowedOrigins is the websocket Origin allow-list. Empty allows all.
	AllowedOrigins []string

	// TURNSecret is the HMAC key for TURN credential minting.
	TURNSecret string
	// TURNURLs are the STUN/TURN URLs handed to clients.
	TURNURLs []string
	// TURNTTL is the credential lifetime.
	TURNTTL time.Duration

	// APNs VoIP push credentials. VoIP push is disabled unless all of
	// KeyID, TeamID, KeyPath, and BundleID are set.
	APNSKeyID      string
	APNSTeamID     string
	APNSKeyPath    string
	APNSBundleID   string
	APNSProduction bool

	// ExpoPushURL is the Expo push endpoint; overridable for tests.
	ExpoPushURL string

	// AdminAPIKey gates the /admin surface. Empty disables it.
	AdminAPIKey string

	// QueueGroupMessages enqueues group ciphertext for offline members
	// instead of dropping it. Off by default to match the historical
	// best-effort contract.
	QueueGroupMessages bool
}

// Load reads the environment (after an optional .env file) and validates
// the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded environment from .env file")
	}

	cfg := &Config{
		ListenAddr:         envDefault("LISTEN_ADDR", ":8080"),
		AdminAddr:          envDefault("ADMIN_ADDR", ":8081"),
		RedisURL:           os.Getenv("REDIS_URL"),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
		TURNSecret:         os.Getenv("TURN_SECRET"),
		TURNURLs:           splitList(os.Getenv("TURN_URLS")),
		APNSKeyID:          os.Getenv("APNS_KEY_ID"),
		APNSTeamID:         os.Getenv("APNS_TEAM_ID"),
		APNSKeyPath:        os.Getenv("APNS_KEY_PATH"),
		APNSBundleID:       os.Getenv("APNS_BUNDLE_ID"),
		APNSProduction:     envBool("APNS_PRODUCTION"),
		ExpoPushURL:        envDefault("EXPO_PUSH_URL", "https://exp.host/--/api/v2/push/send"),
		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		QueueGroupMessages: envBool("QUEUE_GROUP_MESSAGES"),
	}

	ttlSeconds := envDefault("TURN_TTL_SECONDS", "86400")
	seconds, err := strconv.Atoi(ttlSeconds)
	if err != nil || seconds <= 0 {
		return nil, fmt.Errorf("invalid TURN_TTL_SECONDS %q", ttlSeconds)
	}
	cfg.TURNTTL = time.Duration(seconds) * time.Second

	return cfg, nil
}

// VoIPEnabled reports whether the APNs credential set is complete.
func (c *Config) VoIPEnabled() bool {
	return c.APNSKeyID != "" && c.APNSTeamID != "" && c.APNSKeyPath != "" && c.APNSBundleID != ""
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
