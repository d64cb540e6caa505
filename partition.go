package meridian

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/meridiangraph/meridian/wal"
)

// scanCheckRows is how many rows a long scan walks between samples of the
// memory-watermark and cancellation flags.
const scanCheckRows = 1024

type partitionMetrics struct {
	writes       prometheus.Counter
	writeBytes   prometheus.Counter
	failedWrites prometheus.Counter
	rebuilds     prometheus.Counter
}

func newPartitionMetrics(reg prometheus.Registerer) *partitionMetrics {
	return &partitionMetrics{
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writes_total",
			Help: "Number of write batches applied.",
		}),
		writeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "write_bytes_total",
			Help: "Bytes of write batches applied.",
		}),
		failedWrites: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "failed_writes_total",
			Help: "Number of write batches that failed.",
		}),
		rebuilds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rebuilds_total",
			Help: "Number of times the partition was rebuilt from its log.",
		}),
	}
}

type writeRequest struct {
	kvs []KV
	cb  func(error)
}

// Partition binds one (space, partition) to an engine and a write-ahead log
// and enforces log-then-apply ordering between them. All writes funnel
// through a single writer goroutine; callbacks run on that goroutine, so
// within one partition callback order equals log order equals apply order.
type Partition struct {
	logger  log.Logger
	metrics *partitionMetrics

	spaceID uint32
	partID  uint32
	engine  Engine // nil in listener mode
	wal     *wal.FileWAL

	// hitWatermark samples the process memory flag; writes and scans are
	// refused while it reports true.
	hitWatermark func() bool

	writeCh chan writeRequest
	stopCh  chan struct{}
	doneCh  chan struct{}

	inconsistent atomic.Bool
}

func newPartition(
	logger log.Logger,
	reg prometheus.Registerer,
	spaceID, partID uint32,
	engine Engine,
	w *wal.FileWAL,
	hitWatermark func() bool,
) *Partition {
	logger = log.With(logger, "space", spaceID, "part", partID)
	reg = prometheus.WrapRegistererWithPrefix("meridian_partition_",
		prometheus.WrapRegistererWith(prometheus.Labels{
			"space": fmt.Sprint(spaceID),
			"part":  fmt.Sprint(partID),
		}, reg))

	p := &Partition{
		logger:       logger,
		metrics:      newPartitionMetrics(reg),
		spaceID:      spaceID,
		partID:       partID,
		engine:       engine,
		wal:          w,
		hitWatermark: hitWatermark,
		writeCh:      make(chan writeRequest, 64),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go p.run()
	return p
}

// LastLogID returns the id of the newest durable log record.
func (p *Partition) LastLogID() wal.LogID { return p.wal.LastLogID() }

// LastLogTerm returns the term of the newest durable log record.
func (p *Partition) LastLogTerm() wal.TermID { return p.wal.LastLogTerm() }

// WAL exposes the partition's log to the replication layer above.
func (p *Partition) WAL() *wal.FileWAL { return p.wal }

// AsyncMultiPut queues kvs for the writer goroutine. The callback fires on
// that goroutine once the batch is durable in the log and applied to the
// engine, or with the failure. An error return means the request was never
// queued and the callback will not fire.
func (p *Partition) AsyncMultiPut(kvs []KV, cb func(error)) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}
	select {
	case p.writeCh <- writeRequest{kvs: kvs, cb: cb}:
		return nil
	case <-p.stopCh:
		return ErrStopped
	}
}

func (p *Partition) run() {
	defer close(p.doneCh)
	for {
		select {
		case req := <-p.writeCh:
			req.cb(p.apply(req.kvs))
		case <-p.stopCh:
			// Fail whatever is still queued.
			for {
				select {
				case req := <-p.writeCh:
					req.cb(ErrStopped)
				default:
					return
				}
			}
		}
	}
}

// apply writes the batch to the log, then to the engine. A log failure
// leaves the engine untouched. An engine failure after the log succeeded
// marks the partition inconsistent: the record is durable but not applied,
// so further writes are refused until a rebuild replays the log.
func (p *Partition) apply(kvs []KV) error {
	if p.inconsistent.Load() {
		return ErrPartitionInconsistent
	}
	if p.hitWatermark != nil && p.hitWatermark() {
		p.metrics.failedWrites.Inc()
		return ErrMemoryExceeded
	}

	msg := encodeBatch(kvs)
	id := p.wal.LastLogID() + 1
	if err := p.wal.AppendLog(id, p.wal.LastLogTerm(), 0, msg); err != nil {
		p.metrics.failedWrites.Inc()
		return fmt.Errorf("append to wal: %w", err)
	}

	if p.engine != nil {
		if err := p.engine.MultiPut(p.scopeBatch(kvs)); err != nil {
			p.metrics.failedWrites.Inc()
			p.inconsistent.Store(true)
			level.Error(p.logger).Log("msg", "engine write failed after wal append, partition is inconsistent", "err", err)
			return fmt.Errorf("%w: %v", ErrPartitionInconsistent, err)
		}
	}

	p.metrics.writes.Inc()
	p.metrics.writeBytes.Add(float64(len(msg)))
	return nil
}

func (p *Partition) scopeBatch(kvs []KV) []KV {
	scoped := make([]KV, len(kvs))
	for i, kv := range kvs {
		scoped[i] = KV{Key: scopedKey(p.spaceID, p.partID, kv.Key), Value: kv.Value}
	}
	return scoped
}

// Get reads one key from the engine.
func (p *Partition) Get(ctx context.Context, key []byte) ([]byte, error) {
	if p.engine == nil {
		return nil, ErrListenerMode
	}
	if err := mapContextErr(ctx.Err()); err != nil {
		return nil, err
	}
	return p.engine.Get(scopedKey(p.spaceID, p.partID, key))
}

// PrefixIter scans every key of the partition starting with prefix.
func (p *Partition) PrefixIter(ctx context.Context, prefix []byte) (EngineIterator, error) {
	if p.engine == nil {
		return nil, ErrListenerMode
	}
	inner, err := p.engine.PrefixIter(scopedKey(p.spaceID, p.partID, prefix))
	if err != nil {
		return nil, err
	}
	return newScanIterator(ctx, inner, p.hitWatermark), nil
}

// RangeIter scans partition keys in [start, end).
func (p *Partition) RangeIter(ctx context.Context, start, end []byte) (EngineIterator, error) {
	if p.engine == nil {
		return nil, ErrListenerMode
	}
	inner, err := p.engine.RangeIter(
		scopedKey(p.spaceID, p.partID, start),
		scopedKey(p.spaceID, p.partID, end),
	)
	if err != nil {
		return nil, err
	}
	return newScanIterator(ctx, inner, p.hitWatermark), nil
}

// Inconsistent reports whether an engine failure left the partition behind
// its log.
func (p *Partition) Inconsistent() bool {
	return p.inconsistent.Load()
}

// Rebuild replays the whole log into the engine and clears the inconsistent
// mark. It is idempotent because engine batches are atomic and replay is in
// log order.
func (p *Partition) Rebuild() error {
	if p.engine == nil {
		return ErrListenerMode
	}
	first, last := p.wal.FirstLogID(), p.wal.LastLogID()
	if first == 0 {
		p.inconsistent.Store(false)
		return nil
	}

	level.Info(p.logger).Log("msg", "rebuilding partition from wal", "first", first, "last", last)
	iter := p.wal.Iterator(first, last)
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		kvs, err := decodeBatch(iter.Msg())
		if err != nil {
			return fmt.Errorf("decode log %d: %w", iter.LogID(), err)
		}
		if err := p.engine.MultiPut(p.scopeBatch(kvs)); err != nil {
			return fmt.Errorf("replay log %d: %w", iter.LogID(), err)
		}
	}
	p.inconsistent.Store(false)
	p.metrics.rebuilds.Inc()
	return nil
}

// Close stops the writer, fails queued requests, and closes the log.
func (p *Partition) Close() error {
	close(p.stopCh)
	<-p.doneCh
	return p.wal.Close()
}

func mapContextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return err
	}
}

// scanIterator wraps an engine iterator with the cooperative checks every
// long scan owes the rest of the process: the memory high watermark and the
// caller's deadline, sampled every scanCheckRows rows. Keys are returned
// without their (space, partition) scope.
type scanIterator struct {
	ctx          context.Context
	inner        EngineIterator
	hitWatermark func() bool

	rows int
	err  error
}

func newScanIterator(ctx context.Context, inner EngineIterator, hitWatermark func() bool) *scanIterator {
	return &scanIterator{ctx: ctx, inner: inner, hitWatermark: hitWatermark}
}

func (it *scanIterator) Valid() bool {
	return it.err == nil && it.inner.Valid()
}

func (it *scanIterator) Next() {
	it.rows++
	if it.rows%scanCheckRows == 0 {
		if it.hitWatermark != nil && it.hitWatermark() {
			it.err = ErrMemoryExceeded
			return
		}
		if err := mapContextErr(it.ctx.Err()); err != nil {
			it.err = err
			return
		}
	}
	it.inner.Next()
}

func (it *scanIterator) Key() []byte {
	return it.inner.Key()[scopePrefixLen:]
}

func (it *scanIterator) Value() []byte {
	return it.inner.Value()
}

// Err reports why the scan stopped early, if it did.
func (it *scanIterator) Err() error {
	return it.err
}

func (it *scanIterator) Close() error {
	return it.inner.Close()
}
