package meridian

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/meridiangraph/meridian/memory"
	"github.com/meridiangraph/meridian/wal"
)

// Options configures a Store.
type Options struct {
	// DataPaths are the directories data is spread across, in a stable
	// order. Partitions are assigned to paths round-robin per space.
	DataPaths []string
	// WALPath, when set, relocates every partition's wal subtree under it.
	WALPath string
	// ListenerPath switches the store into listener mode: no engines, only
	// WALs, for a log-shipping replica. DataPaths is ignored.
	ListenerPath string

	// WAL is the per-partition log policy.
	WAL wal.Policy
	// Engine is the tuning applied to every engine the store opens.
	Engine EngineTuning

	// Watermark, when set, gates writes and long scans on the process
	// memory high watermark.
	Watermark *memory.Watermark
	// DiskManager, when set, gates WAL appends on free disk space.
	DiskManager wal.DiskManager
}

type storeMetrics struct {
	partitions prometheus.Gauge
	reads      prometheus.Counter
	readMisses prometheus.Counter
}

type space struct {
	parts map[uint32]*Partition
	// placed counts partitions ever placed in this space; it drives the
	// round-robin path choice.
	placed int
}

// Store is the top-level façade over every space, partition, and engine on
// this node. The meta service drives AddPart/RemovePart; clients route reads
// and writes by (space, partition).
type Store struct {
	logger  log.Logger
	reg     prometheus.Registerer
	opts    Options
	metrics *storeMetrics

	mu      sync.RWMutex
	engines map[string]*pebbleEngine // keyed by "<dataPath>/<space>"
	spaces  map[uint32]*space
	closed  bool
}

// New validates the options and returns an empty store. Engines open lazily
// as partitions are placed.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) (*Store, error) {
	if opts.ListenerPath == "" && len(opts.DataPaths) == 0 {
		return nil, fmt.Errorf("%w: no data path configured", ErrInvalidArgument)
	}
	if opts.WAL.FileSize == 0 {
		opts.WAL = wal.DefaultPolicy()
	}

	paths := opts.DataPaths
	if opts.ListenerPath != "" {
		level.Info(logger).Log("msg", "starting in listener mode", "path", opts.ListenerPath)
		paths = nil
	}
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, fmt.Errorf("%w: data path %s: %v", ErrInvalidArgument, p, err)
		}
	}

	reg = prometheus.WrapRegistererWithPrefix("meridian_store_", reg)
	return &Store{
		logger: logger,
		reg:    reg,
		opts:   opts,
		metrics: &storeMetrics{
			partitions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "partitions",
				Help: "Number of partitions currently held.",
			}),
			reads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "reads_total",
				Help: "Number of point reads served.",
			}),
			readMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "read_misses_total",
				Help: "Number of point reads that found no key.",
			}),
		},
		engines: map[string]*pebbleEngine{},
		spaces:  map[uint32]*space{},
	}, nil
}

func (s *Store) hitWatermark() bool {
	return s.opts.Watermark != nil && s.opts.Watermark.HitHighWatermark()
}

// dataRoot returns the per-space directory under one data path.
func dataRoot(dataPath string, spaceID uint32) string {
	return filepath.Join(dataPath, fmt.Sprint(spaceID))
}

// walDir returns the wal directory of one partition, honoring the WALPath
// override.
func (s *Store) walDir(dataPath string, spaceID, partID uint32) string {
	root := dataPath
	if s.opts.ListenerPath != "" {
		root = s.opts.ListenerPath
	} else if s.opts.WALPath != "" {
		root = s.opts.WALPath
	}
	return filepath.Join(dataRoot(root, spaceID), "wal", fmt.Sprint(partID))
}

// engineFor opens (or reuses) the engine of one space on one data path.
// Caller holds mu.
func (s *Store) engineFor(dataPath string, spaceID uint32) (*pebbleEngine, error) {
	key := dataRoot(dataPath, spaceID)
	if e, ok := s.engines[key]; ok {
		return e, nil
	}
	e, err := openEngine(s.logger, s.reg, filepath.Join(key, "data"), s.opts.Engine)
	if err != nil {
		return nil, err
	}
	s.engines[key] = e
	return e, nil
}

// AddPart places one partition on this node: the data path is chosen
// round-robin by placement order within the space, the engine is opened if
// this is the first partition of the space on that path, and the partition's
// WAL is recovered. Adding an existing partition is a no-op.
func (s *Store) AddPart(spaceID, partID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}

	sp, ok := s.spaces[spaceID]
	if !ok {
		sp = &space{parts: map[uint32]*Partition{}}
		s.spaces[spaceID] = sp
	}
	if _, ok := sp.parts[partID]; ok {
		return nil
	}

	var (
		engine   *pebbleEngine
		dataPath string
		err      error
	)
	if s.opts.ListenerPath == "" {
		dataPath = s.opts.DataPaths[sp.placed%len(s.opts.DataPaths)]
		engine, err = s.engineFor(dataPath, spaceID)
		if err != nil {
			return fmt.Errorf("open engine for part %d/%d: %w", spaceID, partID, err)
		}
	}

	w, err := wal.Open(
		s.logger,
		s.reg,
		s.walDir(dataPath, spaceID, partID),
		wal.Info{SpaceID: spaceID, PartID: partID},
		s.opts.WAL,
		nil,
		s.opts.DiskManager,
	)
	if err != nil {
		return fmt.Errorf("open wal for part %d/%d: %w", spaceID, partID, err)
	}

	var eng Engine
	if engine != nil {
		eng = engine
	}
	sp.parts[partID] = newPartition(s.logger, s.reg, spaceID, partID, eng, w, s.hitWatermark)
	sp.placed++
	s.metrics.partitions.Inc()
	level.Info(s.logger).Log("msg", "partition added", "space", spaceID, "part", partID, "path", dataPath)
	return nil
}

// RemovePart drops one partition: its writer is stopped, its keys are
// removed from the engine, and its wal directory is deleted.
func (s *Store) RemovePart(spaceID, partID uint32) error {
	s.mu.Lock()
	sp, ok := s.spaces[spaceID]
	if !ok {
		s.mu.Unlock()
		return ErrSpaceNotFound
	}
	p, ok := sp.parts[partID]
	if !ok {
		s.mu.Unlock()
		return ErrPartitionNotFound
	}
	delete(sp.parts, partID)
	s.mu.Unlock()

	if err := p.Close(); err != nil {
		return err
	}
	if p.engine != nil {
		prefix := scopePrefix(spaceID, partID)
		if err := p.engine.RemoveRange(prefix, prefixSuccessor(prefix)); err != nil {
			return fmt.Errorf("remove partition keys: %w", err)
		}
	}
	if err := os.RemoveAll(p.wal.Dir()); err != nil {
		return fmt.Errorf("remove wal dir: %w", err)
	}
	s.metrics.partitions.Dec()
	level.Info(s.logger).Log("msg", "partition removed", "space", spaceID, "part", partID)
	return nil
}

// DropSpace removes every partition of the space and closes its engines.
func (s *Store) DropSpace(spaceID uint32) error {
	s.mu.Lock()
	sp, ok := s.spaces[spaceID]
	if !ok {
		s.mu.Unlock()
		return ErrSpaceNotFound
	}
	delete(s.spaces, spaceID)

	var engines []*pebbleEngine
	for key, e := range s.engines {
		if filepath.Base(key) == fmt.Sprint(spaceID) {
			engines = append(engines, e)
			delete(s.engines, key)
		}
	}
	s.mu.Unlock()

	for _, p := range sp.parts {
		if err := p.Close(); err != nil {
			return err
		}
		s.metrics.partitions.Dec()
	}
	for _, e := range engines {
		if err := e.Close(); err != nil {
			return err
		}
	}
	level.Info(s.logger).Log("msg", "space dropped", "space", spaceID)
	return nil
}

// Part routes to one partition.
func (s *Store) Part(spaceID, partID uint32) (*Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, ErrSpaceNotFound
	}
	p, ok := sp.parts[partID]
	if !ok {
		return nil, ErrPartitionNotFound
	}
	return p, nil
}

// Get returns the value of key, or ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, spaceID, partID uint32, key []byte) ([]byte, error) {
	p, err := s.Part(spaceID, partID)
	if err != nil {
		return nil, err
	}
	s.metrics.reads.Inc()
	value, err := p.Get(ctx, key)
	if err == ErrKeyNotFound {
		s.metrics.readMisses.Inc()
	}
	return value, err
}

// PrefixIter scans every key of the partition starting with prefix.
func (s *Store) PrefixIter(ctx context.Context, spaceID, partID uint32, prefix []byte) (EngineIterator, error) {
	p, err := s.Part(spaceID, partID)
	if err != nil {
		return nil, err
	}
	return p.PrefixIter(ctx, prefix)
}

// RangeIter scans partition keys in [start, end).
func (s *Store) RangeIter(ctx context.Context, spaceID, partID uint32, start, end []byte) (EngineIterator, error) {
	p, err := s.Part(spaceID, partID)
	if err != nil {
		return nil, err
	}
	return p.RangeIter(ctx, start, end)
}

// AsyncMultiPut queues a batch on the partition's writer. Routing failures
// are returned synchronously and the callback does not fire.
func (s *Store) AsyncMultiPut(spaceID, partID uint32, kvs []KV, cb func(error)) error {
	p, err := s.Part(spaceID, partID)
	if err != nil {
		return err
	}
	return p.AsyncMultiPut(kvs, cb)
}

// CompactAll compacts every engine.
func (s *Store) CompactAll() error {
	s.mu.RLock()
	engines := make([]*pebbleEngine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.RUnlock()
	for _, e := range engines {
		if err := e.CompactRange(nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot hardlinks the partition's wal files under dst for the replication
// layer to ship.
func (s *Store) Snapshot(spaceID, partID uint32, dst string) error {
	p, err := s.Part(spaceID, partID)
	if err != nil {
		return err
	}
	return p.wal.LinkTo(dst)
}

// CleanWALs applies TTL retention to every partition's log.
func (s *Store) CleanWALs() {
	s.mu.RLock()
	var parts []*Partition
	for _, sp := range s.spaces {
		for _, p := range sp.parts {
			parts = append(parts, p)
		}
	}
	s.mu.RUnlock()
	for _, p := range parts {
		p.wal.Clean()
	}
}

// Close drains every partition, flushes and closes every engine.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var parts []*Partition
	for _, sp := range s.spaces {
		for _, p := range sp.parts {
			parts = append(parts, p)
		}
	}
	engines := make([]*pebbleEngine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range parts {
		g.Go(p.Close)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Flush before close so restart replays as little as possible. Engines
	// close in a stable order to keep shutdown logs readable.
	sort.Slice(engines, func(i, j int) bool { return engines[i].Path() < engines[j].Path() })
	for _, e := range engines {
		if err := e.Flush(); err != nil {
			level.Warn(s.logger).Log("msg", "engine flush on shutdown failed", "err", err)
		}
		if err := e.Close(); err != nil {
			return err
		}
	}
	level.Info(s.logger).Log("msg", "store closed")
	return nil
}
