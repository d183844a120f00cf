package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Ingest.Addr())
	assert.Equal(t, 16*1024, cfg.Ingest.MaxLineBytes)
	assert.Equal(t, 300, cfg.Ingest.IdleTimeoutSeconds)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr())
	assert.Equal(t, 2, cfg.Detection.ConcurrentWindowSeconds)
	assert.Equal(t, 30, cfg.Detection.TriggerPeriodSeconds)
	assert.Equal(t, 5, cfg.Detection.TriggerCount)
	assert.Equal(t, 300, cfg.Detection.BanlistThresholdSeconds)
	assert.Equal(t, 3600, cfg.Detection.RetentionSeconds)
	assert.Equal(t, 200, cfg.Detection.RecentRequests)
	assert.Equal(t, 1, cfg.Detection.ClearHysteresisTicks)
	assert.False(t, cfg.Detection.SubnetGrouping)
	assert.Equal(t, 60, cfg.Panel.ReloadSeconds)
	assert.Equal(t, 500, cfg.Panel.PageSize)
	assert.False(t, cfg.Notify.Enabled())
}

func TestLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
ingest:
  port: 7777
  max_line_bytes: 4096

api:
  port: 9090
  token: "shared-secret"

panel:
  url: "http://panel:3000"
  token: "panel-secret"
  reload_seconds: 120

detection:
  concurrent_window_seconds: 5
  trigger_count: 3
  subnet_grouping: true
  whitelist_emails:
    - "admin@x"
    - "ops@x"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Ingest.Port)
	assert.Equal(t, 4096, cfg.Ingest.MaxLineBytes)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "shared-secret", cfg.API.Token)
	assert.Equal(t, "http://panel:3000", cfg.Panel.URL)
	assert.Equal(t, 120, cfg.Panel.ReloadSeconds)
	assert.Equal(t, 5, cfg.Detection.ConcurrentWindowSeconds)
	assert.Equal(t, 3, cfg.Detection.TriggerCount)
	assert.True(t, cfg.Detection.SubnetGrouping)

	wl := cfg.Detection.Whitelist()
	assert.Contains(t, wl, "admin@x")
	assert.Contains(t, wl, "ops@x")
	// Defaults still fill the unset sections
	assert.Equal(t, 30, cfg.Detection.TriggerPeriodSeconds)
	assert.Equal(t, 300, cfg.Ingest.IdleTimeoutSeconds)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PANEL_URL", "http://127.0.0.1:3000")
	t.Setenv("PANEL_TOKEN", "tok")
	t.Setenv("API_TOKEN", "api-tok")
	t.Setenv("CONCURRENT_WINDOW", "4")
	t.Setenv("TRIGGER_COUNT", "7")
	t.Setenv("SUBNET_GROUPING", "yes")
	t.Setenv("WHITELIST_EMAILS", "a@x, b@x ,")
	t.Setenv("TCP_PORT", "19999")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:3000", cfg.Panel.URL)
	assert.Equal(t, "tok", cfg.Panel.Token)
	assert.Equal(t, "api-tok", cfg.API.Token)
	assert.Equal(t, 4, cfg.Detection.ConcurrentWindowSeconds)
	assert.Equal(t, 7, cfg.Detection.TriggerCount)
	assert.True(t, cfg.Detection.SubnetGrouping)
	assert.Equal(t, []string{"a@x", "b@x"}, cfg.Detection.WhitelistEmails)
	assert.Equal(t, 19999, cfg.Ingest.Port)
	assert.NoError(t, cfg.Validate())
}

func TestValidateMissingRequired(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PANEL_URL")
	assert.Contains(t, err.Error(), "PANEL_TOKEN")
	assert.Contains(t, err.Error(), "API_TOKEN")
}

func TestValidateBadPort(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Panel.URL = "http://p"
	cfg.Panel.Token = "t"
	cfg.API.Token = "t"
	cfg.Ingest.Port = -1

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest port")
}
