package meridian

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Compression names one of the codecs a space can be configured with. The
// engine supports none, snappy, and zstd natively; the remaining names are
// accepted for compatibility and degrade to the nearest supported codec with
// a warning at open time.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionSnappy  Compression = "snappy"
	CompressionLZ4     Compression = "lz4"
	CompressionLZ4HC   Compression = "lz4hc"
	CompressionZstd    Compression = "zstd"
	CompressionZlib    Compression = "zlib"
	CompressionBzip2   Compression = "bzip2"
	CompressionXpress  Compression = "xpress"
	CompressionDisable Compression = "disable"
)

// StatsLevel controls how much engine statistics collection costs.
type StatsLevel string

const (
	StatsExceptHistograms StatsLevel = "exceptHistograms"
	StatsExceptTimers     StatsLevel = "exceptTimers"
	StatsExceptDetailed   StatsLevel = "exceptDetailed"
	StatsExceptMutexTime  StatsLevel = "exceptMutexTime"
	StatsAll              StatsLevel = "all"
)

const engineNumLevels = 7

// EngineTuning is the typed tuning surface of one engine. Every field has a
// default; option-name parsing lives with the configuration layer, not here.
type EngineTuning struct {
	// DisableWAL turns off the engine's own memtable journal. The partition
	// WAL above the engine is unaffected.
	DisableWAL bool
	// WALSync fsyncs the engine journal on every batch.
	WALSync bool
	// WALDir relocates the engine journal, e.g. to a faster device.
	WALDir string

	BlockCacheBytes int64
	CacheShards     int
	UseDirectReads  bool

	Compression           Compression
	BottommostCompression Compression
	// CompressionPerLevel overrides the codec per level; a short list is
	// padded with Compression up to the engine's level count.
	CompressionPerLevel []Compression

	// EnablePrefixBloom keys a bloom filter on the first PrefixBloomKeyLength
	// bytes of every key: the 8-byte (space, partition) scope plus the vertex
	// id length of the space.
	EnablePrefixBloom      bool
	PrefixBloomKeyLength   int
	WholeKeyBloom          bool
	PartitionedIndexFilter bool

	// EnableKVSeparation stores large values separately from the key index.
	EnableKVSeparation        bool
	KVSeparationThresholdBytes int64
	BlobCompression           Compression
	EnableBlobGC              bool

	CompactionThreadLimit int
	WriteRateBytesPerSec  int64

	StatsLevel StatsLevel
}

// DefaultEngineTuning mirrors the storage defaults for a graph workload.
func DefaultEngineTuning() EngineTuning {
	return EngineTuning{
		BlockCacheBytes:            1024 * 1024 * 1024,
		Compression:                CompressionLZ4,
		BottommostCompression:      CompressionDisable,
		EnablePrefixBloom:          true,
		PrefixBloomKeyLength:       scopePrefixLen + 8,
		KVSeparationThresholdBytes: 100,
		CompactionThreadLimit:      4,
		StatsLevel:                 StatsExceptHistograms,
	}
}

func (t EngineTuning) validate() error {
	all := append([]Compression{t.Compression, t.BottommostCompression, t.BlobCompression}, t.CompressionPerLevel...)
	for _, c := range all {
		switch c {
		case "", CompressionNone, CompressionSnappy, CompressionLZ4, CompressionLZ4HC,
			CompressionZstd, CompressionZlib, CompressionBzip2, CompressionXpress, CompressionDisable:
		default:
			return fmt.Errorf("%w: unsupported compression type %q", ErrInvalidArgument, c)
		}
	}
	if len(t.CompressionPerLevel) > engineNumLevels {
		return fmt.Errorf("%w: %d per-level compressions for %d levels",
			ErrInvalidArgument, len(t.CompressionPerLevel), engineNumLevels)
	}
	if t.PrefixBloomKeyLength <= 0 {
		return fmt.Errorf("%w: prefix bloom key length must be positive", ErrInvalidArgument)
	}
	switch t.StatsLevel {
	case "", StatsExceptHistograms, StatsExceptTimers, StatsExceptDetailed, StatsExceptMutexTime, StatsAll:
	default:
		return fmt.Errorf("%w: unsupported stats level %q", ErrInvalidArgument, t.StatsLevel)
	}
	return nil
}

func (c Compression) toPebble(logger log.Logger) pebble.Compression {
	switch c {
	case "", CompressionDisable, CompressionNone:
		return pebble.NoCompression
	case CompressionSnappy:
		return pebble.SnappyCompression
	case CompressionZstd:
		return pebble.ZstdCompression
	default:
		level.Warn(logger).Log("msg", "compression type not supported by engine, using snappy", "type", c)
		return pebble.SnappyCompression
	}
}

// compressionLevels pads the per-level list with the default codec up to the
// engine's level count.
func (t EngineTuning) compressionLevels(logger log.Logger) []pebble.Compression {
	out := make([]pebble.Compression, engineNumLevels)
	for i := range out {
		c := t.Compression
		if i < len(t.CompressionPerLevel) && t.CompressionPerLevel[i] != "" {
			c = t.CompressionPerLevel[i]
		}
		if i == engineNumLevels-1 && len(t.CompressionPerLevel) == 0 && t.BottommostCompression != "" {
			c = t.BottommostCompression
		}
		out[i] = c.toPebble(logger)
	}
	return out
}

// pebbleOptions translates the tuning into engine options.
func (t EngineTuning) pebbleOptions(logger log.Logger, listener *pebble.EventListener) (*pebble.Options, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	opts := &pebble.Options{
		Logger:        pebbleLogAdapter{logger},
		EventListener: listener,
		DisableWAL:    t.DisableWAL,
		WALDir:        t.WALDir,
	}
	if t.BlockCacheBytes > 0 {
		opts.Cache = pebble.NewCache(t.BlockCacheBytes)
	}
	if t.CompactionThreadLimit > 0 {
		limit := t.CompactionThreadLimit
		opts.MaxConcurrentCompactions = func() int { return limit }
	}

	comparer := *pebble.DefaultComparer
	comparer.Name = "meridian.scoped"
	prefixLen := t.PrefixBloomKeyLength
	comparer.Split = func(key []byte) int {
		if len(key) < prefixLen {
			return len(key)
		}
		return prefixLen
	}
	opts.Comparer = &comparer

	levels := t.compressionLevels(logger)
	opts.Levels = make([]pebble.LevelOptions, engineNumLevels)
	for i := range opts.Levels {
		opts.Levels[i].Compression = levels[i]
		if t.EnablePrefixBloom || t.WholeKeyBloom {
			opts.Levels[i].FilterPolicy = bloom.FilterPolicy(10)
			opts.Levels[i].FilterType = pebble.TableFilter
		}
		if t.PartitionedIndexFilter {
			// A bounded index block size makes the engine partition the
			// index into a two-level structure.
			opts.Levels[i].IndexBlockSize = 256 << 10
		}
	}

	if t.EnableKVSeparation {
		// Values past the threshold live in value blocks next to the
		// sstable index rather than inline with the keys.
		opts.Experimental.EnableValueBlocks = func() bool { return true }
		opts.FormatMajorVersion = pebble.FormatNewest
		if t.KVSeparationThresholdBytes > 0 {
			level.Info(logger).Log("msg", "kv separation threshold is advisory for this engine",
				"threshold", t.KVSeparationThresholdBytes)
		}
	}
	if t.UseDirectReads {
		level.Warn(logger).Log("msg", "direct reads are not supported by the engine, ignoring")
	}

	return opts, nil
}

// pebbleLogAdapter routes engine-internal logging through the component
// logger.
type pebbleLogAdapter struct {
	logger log.Logger
}

func (a pebbleLogAdapter) Infof(format string, args ...interface{}) {
	level.Debug(a.logger).Log("msg", fmt.Sprintf(format, args...))
}

func (a pebbleLogAdapter) Errorf(format string, args ...interface{}) {
	level.Error(a.logger).Log("msg", fmt.Sprintf(format, args...))
}

func (a pebbleLogAdapter) Fatalf(format string, args ...interface{}) {
	level.Error(a.logger).Log("msg", fmt.Sprintf(format, args...))
}
