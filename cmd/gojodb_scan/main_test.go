package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rangescan/core/indexing/btree"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)

	path := writeConfig(t, `
logger:
  level: debug
storage:
  page_size: 512
  value_width: 4
  block_cache:
    prefetch_per_second: 100
  builder:
    max_entries_per_page: 8
`)
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "gojodb_scan", cfg.Logger.Service)
	require.Equal(t, 512, cfg.Storage.PageSize)
	require.Equal(t, 64, cfg.Storage.BufferPoolSize)
	require.NotNil(t, cfg.Storage.BlockCache)
	require.Equal(t, 100.0, cfg.Storage.BlockCache.PrefetchPerSecond)
	require.Equal(t, 8, cfg.Storage.Builder.MaxEntriesPerPage)
	require.Equal(t, btree.FixedValueSizer{Width: 4}, cfg.Storage.codec())

	_, err = loadConfig(writeConfig(t, "storage:\n  page_size: 16\n"))
	require.Error(t, err)
	_, err = loadConfig(writeConfig(t, "storage:\n  page_size: 70000\n"))
	require.ErrorContains(t, err, "above maximum")
	_, err = loadConfig(writeConfig(t, "storage: [1, 2"))
	require.Error(t, err)
	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestReadPairs(t *testing.T) {
	var keys, values []string
	n, err := readPairs(strings.NewReader("a\t1\n\nb\t\nc\tx\ty\n"), func(key, value []byte) error {
		keys = append(keys, string(key))
		values = append(values, string(value))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, []string{"1", "", "x\ty"}, values)

	_, err = readPairs(strings.NewReader("a\t1\nbroken\n"), func(key, value []byte) error { return nil })
	require.ErrorContains(t, err, "line 2")
}

func TestBuildThenScan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := filepath.Join(dir, "tree.db")
	config := writeConfig(t, `
logger:
  output_file: `+filepath.Join(dir, "scan.log")+`
storage:
  page_size: 256
  buffer_pool_size: 8
  block_cache: {}
  builder:
    max_entries_per_page: 3
`)

	var in bytes.Buffer
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&in, "k%03d\tv%d\n", i, i)
	}
	require.NoError(t, runBuild(ctx, []string{"-db", db, "-config", config}, &in))
	require.Error(t, runBuild(ctx, []string{"-db", db, "-config", config}, strings.NewReader("a\t1\n")))

	var out bytes.Buffer
	require.NoError(t, runScan(ctx, []string{
		"-db", db, "-config", config,
		"-from", "k010", "-from-mode", "open",
		"-to", "k014", "-to-mode", "closed",
	}, &out))
	require.Equal(t, "k011\tv11\nk012\tv12\nk013\tv13\nk014\tv14\n", out.String())

	out.Reset()
	require.NoError(t, runScan(ctx, []string{"-db", db, "-config", config, "-limit", "2"}, &out))
	require.Equal(t, "k000\tv0\nk001\tv1\n", out.String())

	require.Error(t, runScan(ctx, []string{"-db", db, "-config", config, "-from-mode", "sideways"}, &out))
	require.Error(t, runScan(ctx, []string{"-db", filepath.Join(dir, "missing.db"), "-config", config}, &out))
}
