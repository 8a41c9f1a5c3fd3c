package schema

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("missing file yields empty config", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

		require.NoError(t, err)
		assert.Empty(t, cfg.PayloadSchemas)
	})

	t.Run("empty file yields empty config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".workflows.yaml")
		require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

		cfg, err := LoadConfig(path)

		require.NoError(t, err)
		assert.Empty(t, cfg.PayloadSchemas)
	})

	t.Run("invalid yaml degrades gracefully", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".workflows.yaml")
		require.NoError(t, os.WriteFile(path, []byte("payload_schemas: [not a map"), 0o600))

		cfg, err := LoadConfig(path)

		require.NoError(t, err)
		assert.Empty(t, cfg.PayloadSchemas)
	})

	t.Run("valid config maps types to schema files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".workflows.yaml")
		content := "payload_schemas:\n  ResearchRequested: schemas/research.json\n  ReportReady: schemas/report.json\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := LoadConfig(path)

		require.NoError(t, err)
		assert.Len(t, cfg.PayloadSchemas, 2)
		assert.Equal(t, "schemas/research.json", cfg.PayloadSchemas["ResearchRequested"])
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("payload_schemas:\n  ResearchRequested: r.json\n"), 0o600))

	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, "r.json", cfg.PayloadSchemas["ResearchRequested"])
}

func TestNewRegistryFromConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("nil config yields empty registry", func(t *testing.T) {
		registry := NewRegistryFromConfig(nil, logger)
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("bad schema file is skipped, good one registered", func(t *testing.T) {
		dir := t.TempDir()

		goodPath := filepath.Join(dir, "good.json")
		require.NoError(t, os.WriteFile(goodPath, []byte(`{"type": "object"}`), 0o600))

		cfg := &Config{PayloadSchemas: map[string]string{
			"GoodType": goodPath,
			"BadType":  filepath.Join(dir, "missing.json"),
		}}

		registry := NewRegistryFromConfig(cfg, logger)

		assert.True(t, registry.Has("GoodType"))
		assert.False(t, registry.Has("BadType"))
	})
}
