package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	meridian "github.com/meridiangraph/meridian"
	"github.com/meridiangraph/meridian/memory"
	"github.com/meridiangraph/meridian/wal"
)

// engineConfig is the yaml shape of the engine tuning surface.
type engineConfig struct {
	DisableWAL bool   `yaml:"disable_wal"`
	WALSync    bool   `yaml:"wal_sync"`
	WALDir     string `yaml:"wal_dir"`

	BlockCache     string `yaml:"block_cache"`
	CacheShards    int    `yaml:"cache_shards"`
	UseDirectReads bool   `yaml:"use_direct_reads"`

	Compression           string   `yaml:"compression"`
	BottommostCompression string   `yaml:"bottommost_compression"`
	CompressionPerLevel   []string `yaml:"compression_per_level"`

	EnablePrefixBloom      bool `yaml:"enable_prefix_bloom"`
	VidLen                 int  `yaml:"vid_len"`
	WholeKeyBloom          bool `yaml:"whole_key_bloom"`
	PartitionedIndexFilter bool `yaml:"partitioned_index_filter"`

	EnableKVSeparation    bool   `yaml:"enable_kv_separation"`
	KVSeparationThreshold string `yaml:"kv_separation_threshold"`
	BlobCompression       string `yaml:"blob_compression"`
	EnableBlobGC          bool   `yaml:"enable_blob_gc"`

	CompactionThreadLimit int    `yaml:"compaction_thread_limit"`
	WriteRateLimit        string `yaml:"write_rate_limit"`

	StatsLevel string `yaml:"stats_level"`
}

// config is the daemon's yaml configuration. Byte sizes accept humanized
// strings such as "16MiB".
type config struct {
	DataPath     string `yaml:"data_path"`
	WALPath      string `yaml:"wal_path"`
	ListenerPath string `yaml:"listener_path"`
	PidFile      string `yaml:"pid_file"`

	SystemMemoryHighWatermarkRatio float64 `yaml:"system_memory_high_watermark_ratio"`
	MemoryPurgeEnabled             *bool   `yaml:"memory_purge_enabled"`
	MemoryPurgeIntervalSeconds     int     `yaml:"memory_purge_interval_seconds"`
	Containerized                  bool    `yaml:"containerized"`
	CheckMemoryIntervalInSecs      int     `yaml:"check_memory_interval_in_secs"`

	NumNetIOThreads  int `yaml:"num_netio_threads"`
	NumWorkerThreads int `yaml:"num_worker_threads"`

	WALTTL        int    `yaml:"wal_ttl"`
	WALFileSize   string `yaml:"wal_file_size"`
	WALBufferSize string `yaml:"wal_buffer_size"`
	WALSync       bool   `yaml:"wal_sync"`

	Engine engineConfig `yaml:"engine"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *config) applyDefaults() {
	if c.SystemMemoryHighWatermarkRatio == 0 {
		c.SystemMemoryHighWatermarkRatio = 0.8
	}
	if c.MemoryPurgeEnabled == nil {
		v := true
		c.MemoryPurgeEnabled = &v
	}
	if c.MemoryPurgeIntervalSeconds == 0 {
		c.MemoryPurgeIntervalSeconds = 10
	}
	if c.CheckMemoryIntervalInSecs == 0 {
		c.CheckMemoryIntervalInSecs = 1
	}
	if c.WALTTL == 0 {
		c.WALTTL = 14400
	}
	if c.WALFileSize == "" {
		c.WALFileSize = "16MiB"
	}
	if c.WALBufferSize == "" {
		c.WALBufferSize = "8MiB"
	}
	if c.PidFile == "" {
		c.PidFile = "meridian-store.pid"
	}
}

func parseSize(name, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q: %w", name, s, err)
	}
	return int64(v), nil
}

// storeOptions translates the configuration into store options.
func (c *config) storeOptions() (meridian.Options, error) {
	opts := meridian.Options{
		WALPath:      c.WALPath,
		ListenerPath: c.ListenerPath,
	}
	if c.ListenerPath == "" {
		if c.DataPath == "" {
			return opts, fmt.Errorf("data_path is required")
		}
		for _, p := range strings.Split(c.DataPath, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.DataPaths = append(opts.DataPaths, p)
			}
		}
	}

	fileSize, err := parseSize("wal_file_size", c.WALFileSize)
	if err != nil {
		return opts, err
	}
	bufferSize, err := parseSize("wal_buffer_size", c.WALBufferSize)
	if err != nil {
		return opts, err
	}
	opts.WAL = wal.Policy{
		FileSize:   fileSize,
		BufferSize: bufferSize,
		Sync:       c.WALSync,
		TTL:        time.Duration(c.WALTTL) * time.Second,
	}

	tuning := meridian.DefaultEngineTuning()
	e := c.Engine
	tuning.DisableWAL = e.DisableWAL
	tuning.WALSync = e.WALSync
	tuning.WALDir = e.WALDir
	if e.BlockCache != "" {
		if tuning.BlockCacheBytes, err = parseSize("engine.block_cache", e.BlockCache); err != nil {
			return opts, err
		}
	}
	tuning.CacheShards = e.CacheShards
	tuning.UseDirectReads = e.UseDirectReads
	if e.Compression != "" {
		tuning.Compression = meridian.Compression(e.Compression)
	}
	if e.BottommostCompression != "" {
		tuning.BottommostCompression = meridian.Compression(e.BottommostCompression)
	}
	for _, l := range e.CompressionPerLevel {
		tuning.CompressionPerLevel = append(tuning.CompressionPerLevel, meridian.Compression(l))
	}
	if e.EnablePrefixBloom {
		tuning.EnablePrefixBloom = true
	}
	if e.VidLen > 0 {
		tuning.PrefixBloomKeyLength = 8 + e.VidLen
	}
	tuning.WholeKeyBloom = e.WholeKeyBloom
	tuning.PartitionedIndexFilter = e.PartitionedIndexFilter
	tuning.EnableKVSeparation = e.EnableKVSeparation
	if e.KVSeparationThreshold != "" {
		if tuning.KVSeparationThresholdBytes, err = parseSize("engine.kv_separation_threshold", e.KVSeparationThreshold); err != nil {
			return opts, err
		}
	}
	if e.BlobCompression != "" {
		tuning.BlobCompression = meridian.Compression(e.BlobCompression)
	}
	tuning.EnableBlobGC = e.EnableBlobGC
	if e.CompactionThreadLimit > 0 {
		tuning.CompactionThreadLimit = e.CompactionThreadLimit
	}
	if e.WriteRateLimit != "" {
		if tuning.WriteRateBytesPerSec, err = parseSize("engine.write_rate_limit", e.WriteRateLimit); err != nil {
			return opts, err
		}
	}
	if e.StatsLevel != "" {
		tuning.StatsLevel = meridian.StatsLevel(e.StatsLevel)
	}
	opts.Engine = tuning
	return opts, nil
}

// watermarkConfig translates the memory knobs.
func (c *config) watermarkConfig() memory.WatermarkConfig {
	cfg := memory.DefaultWatermarkConfig()
	cfg.Ratio = c.SystemMemoryHighWatermarkRatio
	cfg.Containerized = c.Containerized
	cfg.PurgeEnabled = *c.MemoryPurgeEnabled
	cfg.PurgeInterval = time.Duration(c.MemoryPurgeIntervalSeconds) * time.Second
	return cfg
}
