package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/rangescan/core/indexing/btree"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	"github.com/sushant-115/rangescan/pkg/logger"
	"github.com/sushant-115/rangescan/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of gojodb_scan.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
}

// StorageConfig describes the tree file and the pools in front of it.
type StorageConfig struct {
	PageSize       int                           `yaml:"page_size"`
	BufferPoolSize int                           `yaml:"buffer_pool_size"`
	BlockCache     *flushmanager.BlockCacheConfig `yaml:"block_cache"`
	Builder        btree.BuilderOptions          `yaml:"builder"`
	// ValueWidth selects fixed-width values. Zero stores varint length-prefixed values.
	ValueWidth int `yaml:"value_width"`
}

func defaultConfig() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr", Service: "gojodb_scan"},
		Telemetry: telemetry.Config{
			ServiceName: "gojodb_scan",
		},
		Storage: StorageConfig{
			PageSize:       flushmanager.DefaultPageSize,
			BufferPoolSize: 64,
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Storage.PageSize < flushmanager.MinPageSize {
		return Config{}, fmt.Errorf("storage.page_size %d below minimum %d", cfg.Storage.PageSize, flushmanager.MinPageSize)
	}
	if cfg.Storage.PageSize > flushmanager.MaxPageSize {
		return Config{}, fmt.Errorf("storage.page_size %d above maximum %d", cfg.Storage.PageSize, flushmanager.MaxPageSize)
	}
	if cfg.Storage.BufferPoolSize < 2 {
		return Config{}, fmt.Errorf("storage.buffer_pool_size must be at least 2, got %d", cfg.Storage.BufferPoolSize)
	}
	if cfg.Storage.ValueWidth < 0 {
		return Config{}, fmt.Errorf("storage.value_width must not be negative")
	}
	return cfg, nil
}

func (s StorageConfig) codec() btree.ValueCodec {
	if s.ValueWidth > 0 {
		return btree.FixedValueSizer{Width: s.ValueWidth}
	}
	return btree.VarintValueSizer{}
}

// payload undoes the value encoding applied by codec.
func (s StorageConfig) payload(stored []byte) ([]byte, error) {
	if s.ValueWidth > 0 {
		return stored, nil
	}
	return btree.VarintValueSizer{}.Payload(stored)
}

// readPairs parses tab-separated key/value lines. Blank lines are skipped.
func readPairs(r io.Reader, fn func(key, value []byte) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text := sc.Bytes()
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(text, []byte{'\t'})
		if !ok {
			return n, fmt.Errorf("line %d: missing tab between key and value", line)
		}
		if err := fn(bytes.Clone(key), bytes.Clone(value)); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}
