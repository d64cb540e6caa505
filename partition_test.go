package meridian

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/meridiangraph/meridian/wal"
)

// memEngine is a sorted in-memory Engine for exercising the partition write
// path without a real database. failPuts makes MultiPut fail on demand.
type memEngine struct {
	mu       sync.Mutex
	data     map[string][]byte
	failPuts bool
}

func newMemEngine() *memEngine {
	return &memEngine{data: map[string][]byte{}}
}

func (e *memEngine) ID() string   { return "mem" }
func (e *memEngine) Path() string { return "" }

func (e *memEngine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (e *memEngine) MultiPut(kvs []KV) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failPuts {
		return errEngineDown
	}
	for _, kv := range kvs {
		e.data[string(kv.Key)] = append([]byte(nil), kv.Value...)
	}
	return nil
}

func (e *memEngine) Remove(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.data, string(key))
	return nil
}

func (e *memEngine) MultiRemove(keys [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		delete(e.data, string(k))
	}
	return nil
}

func (e *memEngine) RemoveRange(start, end []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.data {
		if bytes.Compare([]byte(k), start) >= 0 && (end == nil || bytes.Compare([]byte(k), end) < 0) {
			delete(e.data, k)
		}
	}
	return nil
}

func (e *memEngine) sortedRange(start, end []byte) []KV {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kvs []KV
	for k, v := range e.data {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && (end == nil || bytes.Compare(kb, end) < 0) {
			kvs = append(kvs, KV{Key: kb, Value: v})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return bytes.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	return kvs
}

func (e *memEngine) PrefixIter(prefix []byte) (EngineIterator, error) {
	return &memIterator{kvs: e.sortedRange(prefix, prefixSuccessor(prefix))}, nil
}

func (e *memEngine) RangeIter(start, end []byte) (EngineIterator, error) {
	return &memIterator{kvs: e.sortedRange(start, end)}, nil
}

func (e *memEngine) CompactRange(_, _ []byte) error { return nil }
func (e *memEngine) Flush() error                   { return nil }
func (e *memEngine) Close() error                   { return nil }

type memIterator struct {
	kvs []KV
	pos int
}

func (it *memIterator) Valid() bool   { return it.pos < len(it.kvs) }
func (it *memIterator) Next()         { it.pos++ }
func (it *memIterator) Key() []byte   { return it.kvs[it.pos].Key }
func (it *memIterator) Value() []byte { return it.kvs[it.pos].Value }
func (it *memIterator) Close() error  { return nil }

var errEngineDown = errors.New("engine is down")

func newTestPartition(t *testing.T, engine Engine) *Partition {
	t.Helper()
	w, err := wal.Open(
		log.NewNopLogger(),
		prometheus.NewRegistry(),
		t.TempDir(),
		wal.Info{SpaceID: 1, PartID: 1},
		wal.DefaultPolicy(),
		nil,
		nil,
	)
	require.NoError(t, err)
	p := newPartition(log.NewNopLogger(), prometheus.NewRegistry(), 1, 1, engine, w, nil)
	t.Cleanup(func() {
		require.NoError(t, p.Close())
	})
	return p
}

func syncPut(t *testing.T, p *Partition, kvs []KV) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, p.AsyncMultiPut(kvs, func(err error) { done <- err }))
	return <-done
}

func TestPartitionLogThenApply(t *testing.T) {
	engine := newMemEngine()
	p := newTestPartition(t, engine)

	require.NoError(t, syncPut(t, p, []KV{{Key: []byte("a"), Value: []byte("1")}}))
	require.Equal(t, int64(1), p.LastLogID())

	got, err := p.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	// The engine key carries the partition scope.
	_, err = engine.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	_, err = engine.Get(scopedKey(1, 1, []byte("a")))
	require.NoError(t, err)
}

func TestPartitionEngineFailureMarksInconsistent(t *testing.T) {
	engine := newMemEngine()
	p := newTestPartition(t, engine)

	require.NoError(t, syncPut(t, p, []KV{{Key: []byte("a"), Value: []byte("1")}}))

	engine.mu.Lock()
	engine.failPuts = true
	engine.mu.Unlock()

	// The record becomes durable in the log but the engine write fails.
	err := syncPut(t, p, []KV{{Key: []byte("b"), Value: []byte("2")}})
	require.ErrorIs(t, err, ErrPartitionInconsistent)
	require.True(t, p.Inconsistent())
	require.Equal(t, int64(2), p.LastLogID())

	// Writes are refused until the partition is rebuilt.
	err = syncPut(t, p, []KV{{Key: []byte("c"), Value: []byte("3")}})
	require.ErrorIs(t, err, ErrPartitionInconsistent)
	require.Equal(t, int64(2), p.LastLogID())

	engine.mu.Lock()
	engine.failPuts = false
	engine.mu.Unlock()

	require.NoError(t, p.Rebuild())
	require.False(t, p.Inconsistent())

	// Replay applied the durable-but-unapplied record.
	got, err := p.Get(context.Background(), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)

	require.NoError(t, syncPut(t, p, []KV{{Key: []byte("c"), Value: []byte("3")}}))
	require.Equal(t, int64(3), p.LastLogID())
}

func TestPartitionScanChecksWatermark(t *testing.T) {
	engine := newMemEngine()
	p := newTestPartition(t, engine)

	var kvs []KV
	for i := 0; i < 3*scanCheckRows; i++ {
		kvs = append(kvs, KV{Key: []byte(fmt8(i)), Value: []byte("v")})
	}
	require.NoError(t, syncPut(t, p, kvs))

	hit := false
	p.hitWatermark = func() bool { return hit }

	it, err := p.PrefixIter(context.Background(), nil)
	require.NoError(t, err)
	defer it.Close()

	rows := 0
	for ; it.Valid(); it.Next() {
		rows++
		if rows == scanCheckRows/2 {
			hit = true
		}
	}
	scan := it.(*scanIterator)
	require.ErrorIs(t, scan.Err(), ErrMemoryExceeded)
	require.Less(t, rows, 3*scanCheckRows)
}

func TestPartitionScanHonorsCancel(t *testing.T) {
	engine := newMemEngine()
	p := newTestPartition(t, engine)

	var kvs []KV
	for i := 0; i < 2*scanCheckRows; i++ {
		kvs = append(kvs, KV{Key: []byte(fmt8(i)), Value: []byte("v")})
	}
	require.NoError(t, syncPut(t, p, kvs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	it, err := p.PrefixIter(ctx, nil)
	require.NoError(t, err)
	defer it.Close()

	rows := 0
	for ; it.Valid(); it.Next() {
		rows++
		if rows == scanCheckRows/2 {
			cancel()
		}
	}
	scan := it.(*scanIterator)
	require.ErrorIs(t, scan.Err(), ErrCancelled)
}

// fmt8 renders i as a fixed-width sortable key.
func fmt8(i int) string {
	const digits = "0123456789"
	b := []byte("00000000")
	for pos := len(b) - 1; i > 0 && pos >= 0; pos-- {
		b[pos] = digits[i%10]
		i /= 10
	}
	return string(b)
}
