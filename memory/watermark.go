package memory

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// ErrParse is returned when a procfs or cgroup file does not have the
// expected shape.
var ErrParse = errors.New("memory: parse error")

// WatermarkConfig controls the probe. The file paths default to the standard
// kernel locations and exist as fields so tests can point them at fixtures.
type WatermarkConfig struct {
	// Ratio is the fraction of system memory at which the watermark trips.
	// A ratio >= 1.0 disables the check.
	Ratio float64
	// Containerized selects cgroup probing over /proc/meminfo.
	Containerized bool
	// PurgeEnabled returns free memory to the OS when the purge interval has
	// elapsed.
	PurgeEnabled  bool
	PurgeInterval time.Duration

	MeminfoPath         string
	CgroupV2Controllers string
	CgroupV1StatPath    string
	CgroupV2StatPath    string
	CgroupV1MaxPath     string
	CgroupV2MaxPath     string
	CgroupV1CurrentPath string
	CgroupV2CurrentPath string
}

// DefaultWatermarkConfig returns the standard probe configuration: a 0.8
// ratio against host meminfo, purging every ten seconds.
func DefaultWatermarkConfig() WatermarkConfig {
	return WatermarkConfig{
		Ratio:               0.8,
		PurgeEnabled:        true,
		PurgeInterval:       10 * time.Second,
		MeminfoPath:         "/proc/meminfo",
		CgroupV2Controllers: "/sys/fs/cgroup/cgroup.controllers",
		CgroupV1StatPath:    "/sys/fs/cgroup/memory/memory.stat",
		CgroupV2StatPath:    "/sys/fs/cgroup/memory.stat",
		CgroupV1MaxPath:     "/sys/fs/cgroup/memory/memory.limit_in_bytes",
		CgroupV2MaxPath:     "/sys/fs/cgroup/memory.max",
		CgroupV1CurrentPath: "/sys/fs/cgroup/memory/memory.usage_in_bytes",
		CgroupV2CurrentPath: "/sys/fs/cgroup/memory.current",
	}
}

var (
	reMeminfo     = regexp.MustCompile(`^Mem(Available|Free|Total):\s+(\d+)\skB$`)
	reV1Cache     = regexp.MustCompile(`^total_(cache|inactive_file)\s+(\d+)$`)
	reV2Cache     = regexp.MustCompile(`^inactive_file\s+(\d+)$`)
	errNoLimit    = errors.New("memory: cgroup has no limit")
	errShortStats = errors.New("memory: not enough meminfo fields")
)

// Watermark probes system memory pressure and publishes the result to a
// process-visible flag.
type Watermark struct {
	logger log.Logger
	cfg    WatermarkConfig
	stats  *Stats

	hit       atomic.Bool
	lastPurge atomic.Int64
	hitCount  atomic.Int64
}

// NewWatermark builds a probe updating the given Stats' limit on every check.
func NewWatermark(logger log.Logger, cfg WatermarkConfig, stats *Stats) *Watermark {
	return &Watermark{
		logger: logger,
		cfg:    cfg,
		stats:  stats,
	}
}

// HitHighWatermark reads the flag published by the last probe. It is cheap
// enough to sample on every scan step.
func (w *Watermark) HitHighWatermark() bool {
	return w.hit.Load()
}

// HitsHighWatermark probes the OS, updates the stats limit to total*ratio,
// optionally purges, publishes the flag, and returns whether the watermark is
// currently exceeded.
func (w *Watermark) HitsHighWatermark() (bool, error) {
	if w.cfg.Ratio >= 1.0 {
		w.hit.Store(false)
		return false, nil
	}

	var (
		total     int64
		available float64
		err       error
	)
	if w.cfg.Containerized {
		total, available, err = w.probeCgroup()
	} else {
		total, available, err = w.probeMeminfo()
	}
	if err != nil {
		if errors.Is(err, errNoLimit) || errors.Is(err, errShortStats) {
			// No usable limit means nothing to enforce.
			w.hit.Store(false)
			return false, nil
		}
		return false, err
	}

	w.stats.SetLimit(int64(float64(total) * w.cfg.Ratio))

	if w.cfg.PurgeEnabled {
		now := time.Now().Unix()
		if now-w.lastPurge.Load() > int64(w.cfg.PurgeInterval/time.Second) {
			debug.FreeOSMemory()
			w.lastPurge.Store(now)
		}
	}

	hits := (1 - available/float64(total)) > w.cfg.Ratio
	if hits && w.hitCount.Inc()%100 == 1 {
		level.Warn(w.logger).Log(
			"msg", "memory usage has hit the high watermark",
			"available", int64(available),
			"total", total,
		)
	}
	w.hit.Store(hits)
	return hits, nil
}

// probeMeminfo collects the MemTotal/MemAvailable/MemFree values: the largest
// is the total, the second largest plays available (falling back to MemFree
// on kernels without MemAvailable).
func (w *Watermark) probeMeminfo() (int64, float64, error) {
	f, err := os.Open(w.cfg.MeminfoPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", w.cfg.MeminfoPath, err)
	}
	defer f.Close()

	var sizes []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := reMeminfo.FindSubmatch(scanner.Bytes())
		if m == nil {
			continue
		}
		kb, err := strconv.ParseInt(string(m[2]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrParse, scanner.Text())
		}
		sizes = append(sizes, kb<<10)
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", w.cfg.MeminfoPath, err)
	}
	if len(sizes) < 2 {
		return 0, 0, errShortStats
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes[len(sizes)-1], float64(sizes[len(sizes)-2]), nil
}

// probeCgroup reads the memory limit, current usage, and reclaimable cache of
// the container; available = limit - usage + cache.
func (w *Watermark) probeCgroup() (int64, float64, error) {
	v2 := fileExists(w.cfg.CgroupV2Controllers)

	statPath, maxPath, currentPath := w.cfg.CgroupV1StatPath, w.cfg.CgroupV1MaxPath, w.cfg.CgroupV1CurrentPath
	cacheRe := reV1Cache
	if v2 {
		statPath, maxPath, currentPath = w.cfg.CgroupV2StatPath, w.cfg.CgroupV2MaxPath, w.cfg.CgroupV2CurrentPath
		cacheRe = reV2Cache
	}

	stat, err := os.ReadFile(statPath)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", statPath, err)
	}
	var cache int64
	scanner := bufio.NewScanner(bytes.NewReader(stat))
	for scanner.Scan() {
		m := cacheRe.FindSubmatch(scanner.Bytes())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(string(m[len(m)-1]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrParse, scanner.Text())
		}
		cache += v
	}

	limit, err := readSysValue(maxPath)
	if err != nil {
		return 0, 0, err
	}
	usage, err := readSysValue(currentPath)
	if err != nil {
		return 0, 0, err
	}

	return limit, float64(limit - usage + cache), nil
}

// readSysValue reads a single integer from a sysfs-style file. The literal
// "max" in cgroup v2 means no limit.
func readSysValue(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	s := string(bytes.TrimSpace(b))
	if s == "max" {
		return 0, errNoLimit
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q", ErrParse, path, s)
	}
	return v, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
