package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "vitalbase", cfg.Service.Name)
	assert.Equal(t, 8103, cfg.Server.Port)
	assert.Equal(t, "/fhir/R4", cfg.Server.BasePath)
	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.Equal(t, "vitalbase_changes", cfg.Database.NotifyChannel)
	assert.Equal(t, 20, cfg.Search.DefaultCount)
	assert.Equal(t, 1000, cfg.Search.MaxCount)
	assert.True(t, cfg.Search.Strict)
	assert.Equal(t, "none", cfg.Auth.Mode)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.True(t, cfg.Subscriptions.Enabled)
	assert.Equal(t, 64, cfg.Subscriptions.SendBuffer)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
  base_path: /api/fhir
database:
  url: postgres://test:test@db:5432/test
search:
  strict: false
  default_count: 50
`)
	require.NoError(t, os.WriteFile(cfgPath, content, 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/api/fhir", cfg.Server.BasePath)
	assert.Equal(t, "postgres://test:test@db:5432/test", cfg.Database.URL)
	assert.False(t, cfg.Search.Strict)
	assert.Equal(t, 50, cfg.Search.DefaultCount)
	// untouched keys keep defaults
	assert.Equal(t, 1000, cfg.Search.MaxCount)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("rejects invalid port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 0
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("rejects hs256 without secret", func(t *testing.T) {
		cfg := base()
		cfg.Auth.Mode = "hs256"
		cfg.Auth.Secret = ""
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("rejects oidc without issuer", func(t *testing.T) {
		cfg := base()
		cfg.Auth.Mode = "oidc"
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("rejects s3 backend without bucket", func(t *testing.T) {
		cfg := base()
		cfg.Storage.Backend = "s3"
		cfg.Storage.Bucket = ""
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("rejects max_count below default_count", func(t *testing.T) {
		cfg := base()
		cfg.Search.MaxCount = 5
		assert.Error(t, ValidateConfig(cfg))
	})

	t.Run("rejects enabled events without url", func(t *testing.T) {
		cfg := base()
		cfg.Events.Enabled = true
		cfg.Events.URL = ""
		assert.Error(t, ValidateConfig(cfg))
	})
}
