package cmd

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-trace-lens/lens"
)

func parsedCommand(t *testing.T, register func(*cobra.Command), args ...string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{Use: "test"}
	register(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestCollectorConfigFromFlags(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		cmd := parsedCommand(t, addCollectorFlags)

		cfg, err := CollectorConfigFromFlags(cmd)
		require.NoError(t, err)
		assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
		assert.Equal(t, lens.StorageMem, cfg.StorageKind)
		assert.Equal(t, lens.BlobCodecZstd, cfg.BlobCodec)
		assert.Equal(t, 200, cfg.CacheMB)
		assert.False(t, cfg.LogChanges)
		assert.Empty(t, cfg.ReportJsonFile)
	})

	t.Run("all_flags", func(t *testing.T) {
		dir := t.TempDir()
		cmd := parsedCommand(t, addCollectorFlags,
			"--listen", "0.0.0.0:5000",
			"--storage", "badger",
			"--storage-path", filepath.Join(dir, "db"),
			"--cachemb", "64",
			"--codec", "snappy",
			"--log-changes",
			"--echo",
			"--json", filepath.Join(dir, "report.json"),
			"--charts", filepath.Join(dir, "report.png"))

		cfg, err := CollectorConfigFromFlags(cmd)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:5000", cfg.ListenAddr)
		assert.Equal(t, lens.StorageBadger, cfg.StorageKind)
		assert.Equal(t, filepath.Join(dir, "db"), cfg.StoragePath)
		assert.Equal(t, 64, cfg.CacheMB)
		assert.Equal(t, lens.BlobCodecSnappy, cfg.BlobCodec)
		assert.True(t, cfg.LogChanges)
		assert.True(t, cfg.Echo)
		assert.Equal(t, filepath.Join(dir, "report.json"), cfg.ReportJsonFile)
		assert.Equal(t, filepath.Join(dir, "report.png"), cfg.ReportChartsFile)
	})

	t.Run("storage_flags_only", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.db")
		cmd := parsedCommand(t, func(c *cobra.Command) {
			addStorageFlags(c, lens.StorageSqlite)
		}, "--storage-path", path)

		cfg, err := CollectorConfigFromFlags(cmd)
		require.NoError(t, err)
		assert.Equal(t, lens.StorageSqlite, cfg.StorageKind)
		assert.Empty(t, cfg.ListenAddr)
		assert.Equal(t, lens.BlobCodecZstd, cfg.BlobCodec)
	})

	t.Run("invalid", func(t *testing.T) {
		for name, args := range map[string][]string{
			"listen":       {"--listen", "nohost"},
			"storage":      {"--storage", "etcd"},
			"missing_path": {"--storage", "sqlite"},
			"codec":        {"--codec", "brotli"},
		} {
			t.Run(name, func(t *testing.T) {
				cmd := parsedCommand(t, addCollectorFlags, args...)
				_, err := CollectorConfigFromFlags(cmd)
				assert.Error(t, err)
			})
		}
	})
}

func TestPersistentStorageConfig(t *testing.T) {
	t.Parallel()

	t.Run("mem_rejected", func(t *testing.T) {
		cmd := parsedCommand(t, func(c *cobra.Command) {
			addStorageFlags(c, lens.StorageSqlite)
		}, "--storage", "mem")

		_, err := persistentStorageConfig(cmd)
		assert.Error(t, err)
	})

	t.Run("sqlite", func(t *testing.T) {
		cmd := parsedCommand(t, func(c *cobra.Command) {
			addStorageFlags(c, lens.StorageSqlite)
		}, "--storage-path", filepath.Join(t.TempDir(), "events.db"))

		cfg, err := persistentStorageConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, lens.StorageSqlite, cfg.StorageKind)
	})
}
