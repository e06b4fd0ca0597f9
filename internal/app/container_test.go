package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/nutrilens/internal/config"
	"github.com/vbonduro/nutrilens/internal/logging"
	"github.com/vbonduro/nutrilens/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:               filepath.Join(dir, "nutrilens.db"),
		PhotoPath:            filepath.Join(dir, "photos"),
		LLMBackend:           "claude",
		ClaudeModel:          "claude-sonnet-4-5",
		MaxTokens:            1024,
		LLMTimeout:           time.Second,
		InputRatePerMillion:  0.5,
		OutputRatePerMillion: 3,
		GIDataSource:         filepath.Join(dir, "gi.csv"),
		NutrientDataSource:   filepath.Join(dir, "usda.json"),
		MatchThreshold:       0.4,
		HistoryBackend:       "sqlite",
	}
}

func TestBuildContainerSQLite(t *testing.T) {
	ctx := context.Background()
	c, err := BuildContainer(ctx, testConfig(t), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	assert.True(t, c.Service.RequiresAPIKey())
	ready, err := c.Service.CredentialReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = c.Service.Analyze(ctx, service.AnalyzeInput{})
	assert.ErrorIs(t, err, service.ErrEmptyInput)

	entries, err := c.Service.ListHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildContainerConfiguredKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = "sk-env"
	c, err := BuildContainer(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ready, err := c.Service.CredentialReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestBuildContainerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.HistoryBackend = "redis"
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	cfg.LLMBackend = "ollama"

	c, err := BuildContainer(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.False(t, c.Service.RequiresAPIKey())
	entries, err := c.Service.ListHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildContainerRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLMBackend = "gpt"
	_, err := BuildContainer(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, `unknown LLM backend "gpt"`)

	cfg = testConfig(t)
	cfg.HistoryBackend = "postgres"
	_, err = BuildContainer(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, `unknown history backend "postgres"`)
}

func TestBuildContainerRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.HistoryBackend = "redis"
	cfg.RedisURL = "redis://" + addr + "/0"
	_, err := BuildContainer(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "failed to reach redis")
}
