package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	SetVersionInfo("1.2.3", "abc123", "2026-08-20")
	assert.Equal(t, "1.2.3", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-08-20", versionInfo.BuildDate)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	origDB := flagDB
	origLogLevel := flagLogLevel
	defer func() {
		flagDB = origDB
		flagLogLevel = origLogLevel
	}()

	flagDB = "/tmp/override.db"
	flagLogLevel = "debug"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Empty(t, cfg.Store.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "nocturne.db", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
}

func TestOpenStoreMigrates(t *testing.T) {
	ctx := context.Background()

	cfg, err := loadConfig()
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(t.TempDir(), "sched.db")

	store, err := openStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// The schema is usable right away.
	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestBuildSchedulerWiring(t *testing.T) {
	ctx := context.Background()

	cfg, err := loadConfig()
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(t.TempDir(), "sched.db")
	cfg.Scheduler.LogDir = t.TempDir()

	store, err := openStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log, err := buildLogger(cfg)
	require.NoError(t, err)

	sched, err := buildScheduler(ctx, cfg, store, log)
	require.NoError(t, err)
	require.NotNil(t, sched)

	// The command handler is registered.
	assert.Contains(t, sched.Registry().Types(), "command")

	// An unknown artifact backend fails construction.
	cfg.Artifacts.Backend = "carrier-pigeon"
	_, err = buildScheduler(ctx, cfg, store, log)
	require.Error(t, err)
}
