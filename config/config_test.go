package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":8081", cfg.AdminAddr)
	assert.Equal(t, 24*time.Hour, cfg.TURNTTL)
	assert.False(t, cfg.QueueGroupMessages)
	assert.False(t, cfg.VoIPEnabled())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, *.example.org")
	t.Setenv("TURN_URLS", "turn:turn.example.com:3478,stun:stun.example.com:3478")
	t.Setenv("TURN_TTL_SECONDS", "600")
	t.Setenv("QUEUE_GROUP_MESSAGES", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, []string{"https://app.example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"turn:turn.example.com:3478", "stun:stun.example.com:3478"}, cfg.TURNURLs)
	assert.Equal(t, 10*time.Minute, cfg.TURNTTL)
	assert.True(t, cfg.QueueGroupMessages)
}

func TestLoadInvalidTTL(t *testing.T) {
	t.Setenv("TURN_TTL_SECONDS", "nope")
	_, err := Load()
	assert.Error(t, err)
}

func TestVoIPEnabled(t *testing.T) {
	t.Setenv("APNS_KEY_ID", "KEY123")
	t.Setenv("APNS_TEAM_ID", "TEAM123")
	t.Setenv("APNS_KEY_PATH", "/tmp/key.p8")
	t.Setenv("APNS_BUNDLE_ID", "com.example.app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.VoIPEnabled())
}
