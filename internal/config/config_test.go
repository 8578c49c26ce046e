package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, cfg.Pipeline.ConfirmationTTL)
	require.Equal(t, 10, cfg.Pipeline.HistoryWindow)
	require.True(t, cfg.IsDevelopment(), "development mode without FRONTEND_URL")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIRMATION_TTL", "90s")
	t.Setenv("COMPLETION_TIMEOUT", "not-a-duration")
	t.Setenv("FRONTEND_URL", "https://movi.example.com/")
	t.Setenv("ALLOWED_ORIGINS", " https://ops.example.com , ,https://admin.example.com/")
	t.Setenv("SEED_ON_START", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Pipeline.ConfirmationTTL)
	require.Equal(t, 30*time.Second, cfg.LLM.Timeout, "invalid duration falls back")
	require.True(t, cfg.SeedOnStart)
	require.False(t, cfg.IsDevelopment())
	require.Equal(t,
		[]string{"https://movi.example.com", "https://ops.example.com", "https://admin.example.com"},
		cfg.Origins())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("HISTORY_WINDOW", "0")
	_, err := Load()
	require.Error(t, err)
}
