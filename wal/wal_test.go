package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, dir string, policy Policy) *FileWAL {
	t.Helper()
	w, err := Open(
		log.NewNopLogger(),
		prometheus.NewRegistry(),
		dir,
		Info{SpaceID: 1, PartID: 1},
		policy,
		nil,
		nil,
	)
	require.NoError(t, err)
	return w
}

func collect(t *testing.T, it LogIterator) []Record {
	t.Helper()
	defer it.Close()
	var recs []Record
	for ; it.Valid(); it.Next() {
		recs = append(recs, Record{
			ID:      it.LogID(),
			Term:    it.Term(),
			Cluster: it.Cluster(),
			Msg:     append([]byte(nil), it.Msg()...),
		})
	}
	return recs
}

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.AppendLog(2, 1, 0, []byte("bb")))
	require.NoError(t, w.AppendLog(3, 2, 0, []byte("ccc")))

	require.Equal(t, int64(3), w.LastLogID())
	require.Equal(t, int64(2), w.LastLogTerm())
	require.Equal(t, int64(1), w.FirstLogID())

	recs := collect(t, w.Iterator(1, 3))
	require.Len(t, recs, 3)
	require.Equal(t, []byte("a"), recs[0].Msg)
	require.Equal(t, []byte("bb"), recs[1].Msg)
	require.Equal(t, []byte("ccc"), recs[2].Msg)
	require.Equal(t, int64(1), recs[0].ID)
	require.Equal(t, int64(1), recs[1].Term)
	require.Equal(t, int64(2), recs[2].Term)
}

func TestAppendLogGap(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	err := w.AppendLog(5, 1, 0, []byte("nope"))
	require.ErrorIs(t, err, ErrLogGap)

	// State is unchanged.
	require.Equal(t, int64(1), w.LastLogID())
	require.Equal(t, int64(1), w.LastLogTerm())
	recs := collect(t, w.Iterator(1, 10))
	require.Len(t, recs, 1)
}

func TestAppendLogs(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	var recs []Record
	for i := int64(1); i <= 5; i++ {
		recs = append(recs, Record{ID: i, Term: 1, Msg: []byte(fmt.Sprintf("msg-%d", i))})
	}
	require.NoError(t, w.AppendLogs(NewRecordsIterator(recs)))
	require.Equal(t, int64(5), w.LastLogID())

	got := collect(t, w.Iterator(1, 5))
	require.Len(t, got, 5)
	require.Equal(t, []byte("msg-3"), got[2].Msg)
}

func TestPreprocessorRejects(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(
		log.NewNopLogger(),
		prometheus.NewRegistry(),
		dir,
		Info{SpaceID: 1, PartID: 1},
		DefaultPolicy(),
		func(id LogID, _ TermID, _ ClusterID, _ []byte) bool { return id != 2 },
		nil,
	)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.ErrorIs(t, w.AppendLog(2, 1, 0, []byte("b")), ErrRejected)
	require.Equal(t, int64(1), w.LastLogID())
}

type noSpace struct{}

func (noSpace) HasEnoughSpace(_, _ uint32) bool { return false }

func TestDiskManagerRefuses(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(
		log.NewNopLogger(),
		prometheus.NewRegistry(),
		dir,
		Info{SpaceID: 1, PartID: 1},
		DefaultPolicy(),
		nil,
		noSpace{},
	)
	require.NoError(t, err)
	defer w.Close()

	require.ErrorIs(t, w.AppendLog(1, 1, 0, []byte("a")), ErrNoSpace)
}

func TestRollover(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.FileSize = 64
	w := openTestWAL(t, dir, policy)
	defer w.Close()

	for i := int64(1); i <= 10; i++ {
		msg := make([]byte, 20)
		copy(msg, fmt.Sprintf("record-%02d", i))
		require.NoError(t, w.AppendLog(i, 1, 0, msg))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	require.Equal(t, walFileName(1), entries[0].Name())

	// Concatenating the files' records reproduces the input.
	recs := collect(t, w.Iterator(1, 10))
	require.Len(t, recs, 10)
	for i, r := range recs {
		require.Equal(t, int64(i+1), r.ID)
		require.Equal(t, fmt.Sprintf("record-%02d", i+1), string(r.Msg[:9]))
	}
}

func TestReopenCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.AppendLog(2, 1, 0, []byte("bb")))
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()
	require.Equal(t, int64(2), w.LastLogID())
	require.Equal(t, int64(1), w.LastLogTerm())

	// The log keeps going where it left off.
	require.NoError(t, w.AppendLog(3, 2, 0, []byte("ccc")))
	recs := collect(t, w.Iterator(1, 3))
	require.Len(t, recs, 3)
}

func TestTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.AppendLog(2, 1, 0, []byte("bb")))
	require.NoError(t, w.AppendLog(3, 2, 0, []byte("ccc")))
	require.NoError(t, w.Close())

	// Tear the last record.
	path := filepath.Join(dir, walFileName(1))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	w = openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()
	require.Equal(t, int64(2), w.LastLogID())
	require.Equal(t, int64(1), w.LastLogTerm())

	// The file ends exactly after record 2's footer.
	st, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, recordSize(1)+recordSize(2), st.Size())
}

func TestGapRecovery(t *testing.T) {
	dir := t.TempDir()

	// Simulate an orphaned prefix: a file with logs 1-2, then one with
	// 100-101.
	var buf []byte
	buf = appendRecord(buf, 1, 1, 0, []byte("one"))
	buf = appendRecord(buf, 2, 1, 0, []byte("two"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, walFileName(1)), buf, 0o644))

	buf = buf[:0]
	buf = appendRecord(buf, 100, 2, 0, []byte("hundred"))
	buf = appendRecord(buf, 101, 2, 0, []byte("hundred-one"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, walFileName(100)), buf, 0o644))

	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.Equal(t, int64(100), w.FirstLogID())
	require.Equal(t, int64(101), w.LastLogID())
	require.Equal(t, 1, w.FileCount())
	_, err := os.Stat(filepath.Join(dir, walFileName(1)))
	require.True(t, os.IsNotExist(err))
}

func TestIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-number.wal"), []byte("junk"), 0o644))

	// A file whose first record id does not match its name contributes no
	// records; recovery removes it.
	var buf []byte
	buf = appendRecord(buf, 7, 1, 0, []byte("seven"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, walFileName(1)), buf, 0o644))

	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()
	require.Equal(t, int64(0), w.LastLogID())
}

func TestRollback(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.AppendLog(2, 1, 0, []byte("bb")))
	require.NoError(t, w.AppendLog(3, 2, 0, []byte("ccc")))

	require.NoError(t, w.RollbackToLog(2))
	require.Equal(t, int64(2), w.LastLogID())
	require.Equal(t, int64(1), w.LastLogTerm())

	it := w.Iterator(3, 3)
	require.False(t, it.Valid())
	require.NoError(t, it.Close())

	st, err := os.Stat(filepath.Join(dir, walFileName(1)))
	require.NoError(t, err)
	require.Equal(t, recordSize(1)+recordSize(2), st.Size())

	// The log accepts appends again right after the rollback point.
	require.NoError(t, w.AppendLog(3, 3, 0, []byte("new-3")))
	recs := collect(t, w.Iterator(1, 3))
	require.Len(t, recs, 3)
	require.Equal(t, []byte("new-3"), recs[2].Msg)
}

func TestRollbackAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.FileSize = 64
	w := openTestWAL(t, dir, policy)
	defer w.Close()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, w.AppendLog(i, 1, 0, make([]byte, 20)))
	}
	before := w.FileCount()
	require.Greater(t, before, 2)

	require.NoError(t, w.RollbackToLog(3))
	require.Equal(t, int64(3), w.LastLogID())
	require.Less(t, w.FileCount(), before)
}

func TestRollbackToEmpty(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.RollbackToLog(0))
	require.Equal(t, int64(0), w.FirstLogID())
	require.Equal(t, int64(0), w.LastLogID())

	require.ErrorIs(t, w.RollbackToLog(5), ErrOutOfRange)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	require.NoError(t, w.AppendLog(2, 1, 0, []byte("b")))
	require.NoError(t, w.Reset())

	require.Equal(t, int64(0), w.FirstLogID())
	require.Equal(t, int64(0), w.LastLogID())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCleanTTL(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.FileSize = 64
	w := openTestWAL(t, dir, policy)
	defer w.Close()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, w.AppendLog(i, 1, 0, make([]byte, 20)))
	}
	require.Greater(t, w.FileCount(), 2)

	// Age every file beyond the TTL; the newest two must still survive.
	old := time.Now().Add(-policy.TTL - time.Hour)
	w.mu.Lock()
	for _, f := range w.files {
		f.mtime = old
	}
	w.mu.Unlock()

	w.Clean()
	require.Equal(t, 2, w.FileCount())

	w.mu.Lock()
	first := w.files[0].firstID
	w.mu.Unlock()
	require.Equal(t, first, w.FirstLogID())
}

func TestCleanToLogID(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.FileSize = 64
	w := openTestWAL(t, dir, policy)
	defer w.Close()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, w.AppendLog(i, 1, 0, make([]byte, 20)))
	}

	w.CleanToLogID(5)
	require.LessOrEqual(t, w.FirstLogID(), int64(5))
	require.Greater(t, w.FirstLogID(), int64(1))

	// Beyond the newest log id the call is a no-op.
	before := w.FileCount()
	w.CleanToLogID(1000)
	require.Equal(t, before, w.FileCount())
}

func TestLinkTo(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	policy.FileSize = 64
	w := openTestWAL(t, dir, policy)
	defer w.Close()

	for i := int64(1); i <= 6; i++ {
		require.NoError(t, w.AppendLog(i, 1, 0, make([]byte, 20)))
	}

	dst := filepath.Join(t.TempDir(), "snapshot")
	require.NoError(t, w.LinkTo(dst))

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	require.Equal(t, w.FileCount(), len(entries))
	for _, entry := range entries {
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		linked, err := os.ReadFile(filepath.Join(dst, entry.Name()))
		require.NoError(t, err)
		require.Equal(t, src, linked)
	}

	// The writer keeps going after the snapshot.
	require.NoError(t, w.AppendLog(7, 1, 0, []byte("after")))
}

func TestStopRefusesAppends(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, DefaultPolicy())
	defer w.Close()

	require.NoError(t, w.AppendLog(1, 1, 0, []byte("a")))
	w.Stop()
	require.ErrorIs(t, w.AppendLog(2, 1, 0, []byte("b")), ErrStopped)
}
