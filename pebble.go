package meridian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const engineIDFile = "ENGINE_ID"

// pebbleEngine backs one data path with a pebble database.
type pebbleEngine struct {
	logger log.Logger
	id     string
	path   string
	db     *pebble.DB

	writeOpts *pebble.WriteOptions
	limiter   *rate.Limiter
}

// openEngine opens (creating if needed) the engine at path. A ULID minted on
// first open is persisted next to the database so the path keeps its
// identity across restarts.
func openEngine(
	logger log.Logger,
	reg prometheus.Registerer,
	path string,
	tuning EngineTuning,
) (*pebbleEngine, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create engine dir: %w", err)
	}

	id, err := loadOrMintEngineID(path)
	if err != nil {
		return nil, err
	}
	logger = log.With(logger, "engine", id)
	reg = prometheus.WrapRegistererWithPrefix("meridian_engine_",
		prometheus.WrapRegistererWith(prometheus.Labels{"engine": id}, reg))

	opts, err := tuning.pebbleOptions(logger, newEventListener(logger, reg))
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, opts)
	if opts.Cache != nil {
		// The database holds its own reference after Open.
		opts.Cache.Unref()
	}
	if err != nil {
		return nil, fmt.Errorf("open engine at %s: %w", path, err)
	}
	level.Info(logger).Log("msg", "engine opened", "path", path)

	e := &pebbleEngine{
		logger:    logger,
		id:        id,
		path:      path,
		db:        db,
		writeOpts: pebble.NoSync,
	}
	if tuning.WALSync {
		e.writeOpts = pebble.Sync
	}
	if tuning.WriteRateBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(tuning.WriteRateBytesPerSec), int(tuning.WriteRateBytesPerSec))
	}
	return e, nil
}

func loadOrMintEngineID(path string) (string, error) {
	idPath := filepath.Join(path, engineIDFile)
	if b, err := os.ReadFile(idPath); err == nil {
		return string(b), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read engine id: %w", err)
	}
	id := ulid.Make().String()
	if err := os.WriteFile(idPath, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("write engine id: %w", err)
	}
	return id, nil
}

func (e *pebbleEngine) ID() string   { return e.id }
func (e *pebbleEngine) Path() string { return e.path }

func (e *pebbleEngine) Get(key []byte) ([]byte, error) {
	value, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("engine get: %w", err)
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("engine get: %w", err)
	}
	return out, nil
}

// waitRate blocks until the write limiter admits n bytes.
func (e *pebbleEngine) waitRate(n int) {
	if e.limiter == nil {
		return
	}
	burst := e.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		_ = e.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

func (e *pebbleEngine) MultiPut(kvs []KV) error {
	batch := e.db.NewBatch()
	defer batch.Close()
	size := 0
	for _, kv := range kvs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return fmt.Errorf("engine batch set: %w", err)
		}
		size += len(kv.Key) + len(kv.Value)
	}
	e.waitRate(size)
	if err := e.db.Apply(batch, e.writeOpts); err != nil {
		return fmt.Errorf("engine multi put: %w", err)
	}
	return nil
}

func (e *pebbleEngine) Remove(key []byte) error {
	if err := e.db.Delete(key, e.writeOpts); err != nil {
		return fmt.Errorf("engine remove: %w", err)
	}
	return nil
}

func (e *pebbleEngine) MultiRemove(keys [][]byte) error {
	batch := e.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key, nil); err != nil {
			return fmt.Errorf("engine batch delete: %w", err)
		}
	}
	if err := e.db.Apply(batch, e.writeOpts); err != nil {
		return fmt.Errorf("engine multi remove: %w", err)
	}
	return nil
}

func (e *pebbleEngine) RemoveRange(start, end []byte) error {
	if err := e.db.DeleteRange(start, end, e.writeOpts); err != nil {
		return fmt.Errorf("engine remove range: %w", err)
	}
	return nil
}

func (e *pebbleEngine) PrefixIter(prefix []byte) (EngineIterator, error) {
	return e.RangeIter(prefix, prefixSuccessor(prefix))
}

func (e *pebbleEngine) RangeIter(start, end []byte) (EngineIterator, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("engine iterator: %w", err)
	}
	return newPebbleIterator(iter), nil
}

func (e *pebbleEngine) CompactRange(start, end []byte) error {
	if start == nil {
		start = []byte{0x00}
	}
	if end == nil {
		end = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	if err := e.db.Compact(start, end, true); err != nil {
		return fmt.Errorf("engine compact: %w", err)
	}
	return nil
}

func (e *pebbleEngine) Flush() error {
	if err := e.db.Flush(); err != nil {
		return fmt.Errorf("engine flush: %w", err)
	}
	return nil
}

func (e *pebbleEngine) Close() error {
	level.Info(e.logger).Log("msg", "closing engine", "path", e.path)
	return e.db.Close()
}

type pebbleIterator struct {
	iter *pebble.Iterator
}

func newPebbleIterator(iter *pebble.Iterator) *pebbleIterator {
	it := &pebbleIterator{iter: iter}
	it.iter.First()
	return it
}

func (it *pebbleIterator) Valid() bool   { return it.iter.Valid() }
func (it *pebbleIterator) Next()         { it.iter.Next() }
func (it *pebbleIterator) Key() []byte   { return it.iter.Key() }
func (it *pebbleIterator) Value() []byte { return it.iter.Value() }
func (it *pebbleIterator) Close() error  { return it.iter.Close() }
