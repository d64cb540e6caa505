package meridian

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, path string, tuning EngineTuning) *pebbleEngine {
	t.Helper()
	e, err := openEngine(log.NewNopLogger(), prometheus.NewRegistry(), path, tuning)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})
	return e
}

func TestEnginePutGet(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), DefaultEngineTuning())

	require.NoError(t, e.MultiPut([]KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))

	got, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	_, err = e.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEngineRemove(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), DefaultEngineTuning())

	require.NoError(t, e.MultiPut([]KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("d"), Value: []byte("4")},
	}))

	require.NoError(t, e.Remove([]byte("a")))
	_, err := e.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, e.MultiRemove([][]byte{[]byte("b")}))
	require.NoError(t, e.RemoveRange([]byte("c"), []byte("d")))
	_, err = e.Get([]byte("c"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	got, err := e.Get([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, []byte("4"), got)
}

func TestEngineIterators(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), DefaultEngineTuning())

	require.NoError(t, e.MultiPut([]KV{
		{Key: []byte("p/1"), Value: []byte("1")},
		{Key: []byte("p/2"), Value: []byte("2")},
		{Key: []byte("q/1"), Value: []byte("3")},
	}))

	it, err := e.PrefixIter([]byte("p/"))
	require.NoError(t, err)
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Equal(t, []string{"p/1", "p/2"}, keys)

	it, err = e.RangeIter([]byte("p/2"), []byte("q/2"))
	require.NoError(t, err)
	keys = keys[:0]
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Equal(t, []string{"p/2", "q/1"}, keys)
}

func TestEngineIdentityPersists(t *testing.T) {
	path := t.TempDir()
	e, err := openEngine(log.NewNopLogger(), prometheus.NewRegistry(), path, DefaultEngineTuning())
	require.NoError(t, err)
	id := e.ID()
	require.NotEmpty(t, id)
	require.NoError(t, e.Close())

	e, err = openEngine(log.NewNopLogger(), prometheus.NewRegistry(), path, DefaultEngineTuning())
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, id, e.ID())
}

func TestEngineCompactAndFlush(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), DefaultEngineTuning())
	require.NoError(t, e.MultiPut([]KV{{Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, e.Flush())
	require.NoError(t, e.CompactRange(nil, nil))

	got, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
}

func TestEngineWriteRateLimit(t *testing.T) {
	tuning := DefaultEngineTuning()
	tuning.WriteRateBytesPerSec = 1 << 20
	e := openTestEngine(t, t.TempDir(), tuning)
	require.NotNil(t, e.limiter)
	require.NoError(t, e.MultiPut([]KV{{Key: []byte("a"), Value: make([]byte, 1024)}}))
}
