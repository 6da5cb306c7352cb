package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.MaxRemediationDepth)
	assert.Equal(t, 5, cfg.MaxParallelAgents)
	assert.InDelta(t, 0.7, cfg.MinConfidence, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.AnalysisTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("NEXUS_MAX_PARALLEL_AGENTS", "2")
	t.Setenv("NEXUS_MIN_CONFIDENCE", "0.9")
	t.Setenv("NEXUS_ANALYSIS_TIMEOUT_MS", "5000")
	t.Setenv("NEXUS_PRIMARY_PIPELINES", "build, e2e ,")
	t.Setenv("NEXUS_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxParallelAgents)
	assert.InDelta(t, 0.9, cfg.MinConfidence, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.AnalysisTimeout)
	assert.Equal(t, []string{"build", "e2e"}, cfg.PrimaryPipelines)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("NEXUS_MAX_PARALLEL_AGENTS", "fifty")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
core_file_patterns:
  - "schema.sql"
  - "core/*"
primary_pipelines:
  - build
bot_authors:
  - nexus-bot
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"schema.sql", "core/*"}, cfg.CoreFilePatterns)
	assert.Equal(t, []string{"build"}, cfg.PrimaryPipelines)
	assert.True(t, cfg.IsBotAuthor("NEXUS-BOT"))
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load("/nonexistent/nexus.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxParallelAgents, cfg.MaxParallelAgents)
}

func TestValidateRanges(t *testing.T) {
	cfg := Default()
	cfg.MaxParallelAgents = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxParallelAgents = 21
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MinConfidence = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxRemediationDepth = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.CoreFilePatterns = []string{"[unclosed"}
	assert.Error(t, cfg.Validate())
}

func TestIsCoreFile(t *testing.T) {
	cfg := Default()
	cfg.CoreFilePatterns = []string{"schema.sql", "core/*", "api/..."}

	assert.True(t, cfg.IsCoreFile("schema.sql"))
	assert.True(t, cfg.IsCoreFile("db/schema.sql"), "base-name match")
	assert.True(t, cfg.IsCoreFile("core/types.ts"))
	assert.True(t, cfg.IsCoreFile("api/v1/routes.go"), "prefix pattern")
	assert.False(t, cfg.IsCoreFile("web/page.tsx"))
}

func TestIsPrimaryPipeline(t *testing.T) {
	cfg := Default()
	cfg.PrimaryPipelines = []string{"CI"}
	assert.True(t, cfg.IsPrimaryPipeline("ci"))
	assert.False(t, cfg.IsPrimaryPipeline("nightly"))
}
