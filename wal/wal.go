// Package wal implements the per-partition write-ahead log: an append-only
// sequence of records sharded across rolling files, recoverable after a
// crash, with bounded iteration, rollback, TTL retention, and hardlink
// snapshots.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	// ErrStopped is returned by appends after Stop or Close.
	ErrStopped = errors.New("wal: stopped")
	// ErrLogGap is returned when the appended id is not lastLogID+1.
	ErrLogGap = errors.New("wal: log id gap")
	// ErrRejected is returned when the preprocessor refuses a record.
	ErrRejected = errors.New("wal: rejected by preprocessor")
	// ErrNoSpace is returned when the disk manager refuses the append.
	ErrNoSpace = errors.New("wal: no space left on disk")
	// ErrOutOfRange is returned when a rollback target is outside
	// [firstLogID-1, lastLogID].
	ErrOutOfRange = errors.New("wal: log id out of range")
)

const (
	dirPerms  = os.FileMode(0o755)
	filePerms = os.FileMode(0o644)
)

// Policy carries the durability and retention knobs of one WAL.
type Policy struct {
	// FileSize is the rollover threshold of a single wal file.
	FileSize int64
	// BufferSize bounds the in-memory tail buffer, in message bytes.
	BufferSize int64
	// Sync makes every append fsync before returning.
	Sync bool
	// TTL is the age beyond which Clean removes a file.
	TTL time.Duration
}

// DefaultPolicy mirrors the storage defaults: 16 MiB files, an 8 MiB tail
// buffer, no per-append fsync, four hour retention.
func DefaultPolicy() Policy {
	return Policy{
		FileSize:   16 * 1024 * 1024,
		BufferSize: 8 * 1024 * 1024,
		Sync:       false,
		TTL:        4 * time.Hour,
	}
}

// PreProcessor inspects every record before it is made durable. Returning
// false rejects the append.
type PreProcessor func(id LogID, term TermID, cluster ClusterID, msg []byte) bool

// DiskManager is consulted before accepting an append.
type DiskManager interface {
	HasEnoughSpace(space, part uint32) bool
}

// Info identifies the partition a WAL belongs to, for logging and disk
// admission.
type Info struct {
	SpaceID uint32
	PartID  uint32
}

type walMetrics struct {
	appendedLogs  prometheus.Counter
	appendedBytes prometheus.Counter
	rollovers     prometheus.Counter
	tornTails     prometheus.Counter
	rollbacks     prometheus.Counter
	cleanedFiles  prometheus.Counter
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		appendedLogs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appended_logs_total",
			Help: "Number of log records appended.",
		}),
		appendedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "appended_bytes_total",
			Help: "Bytes of log records appended, including framing.",
		}),
		rollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rollovers_total",
			Help: "Number of times the log rolled to a new file.",
		}),
		tornTails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "torn_tails_total",
			Help: "Number of torn tails truncated during recovery.",
		}),
		rollbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Number of rollbackToLog calls.",
		}),
		cleanedFiles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cleaned_files_total",
			Help: "Number of wal files removed by retention.",
		}),
	}
}

// FileWAL is the file-backed log of one partition. A single writer appends;
// any number of iterators may read concurrently with the writer.
type FileWAL struct {
	logger  log.Logger
	dir     string
	info    Info
	policy  Policy
	pre     PreProcessor
	diskMan DiskManager
	metrics *walMetrics

	// mu guards files, curr, and currInfo. Held briefly around file-set
	// mutations, never across record I/O on the hot append path.
	mu       sync.Mutex
	files    []*walFile // sorted by firstID
	curr     *os.File
	currInfo *walFile

	// rollbackMu serializes rollback and reset against appends and against
	// the construction of new iterators.
	rollbackMu sync.RWMutex

	buffer *logBuffer

	firstLogID  atomic.Int64
	lastLogID   atomic.Int64
	lastLogTerm atomic.Int64
	stopped     atomic.Bool

	noSpaceCount atomic.Int64
}

// Open creates the directory if needed, scans every wal file in it, repairs a
// torn tail, discards orphaned history before a gap, and opens the newest
// file for append.
func Open(
	logger log.Logger,
	reg prometheus.Registerer,
	dir string,
	info Info,
	policy Policy,
	pre PreProcessor,
	diskMan DiskManager,
) (*FileWAL, error) {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	logger = log.With(logger, "space", info.SpaceID, "part", info.PartID)
	reg = prometheus.WrapRegistererWithPrefix("meridian_wal_",
		prometheus.WrapRegistererWith(prometheus.Labels{
			"space": fmt.Sprint(info.SpaceID),
			"part":  fmt.Sprint(info.PartID),
		}, reg))

	w := &FileWAL{
		logger:  logger,
		dir:     dir,
		info:    info,
		policy:  policy,
		pre:     pre,
		diskMan: diskMan,
		metrics: newWALMetrics(reg),
		buffer:  newLogBuffer(policy.BufferSize),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWAL) recover() error {
	files, err := scanDir(w.dir, w.logger)
	if err != nil {
		return err
	}

	// The newest file may have a torn tail; scan it end to end and drop it
	// entirely if it holds no complete record.
	if len(files) > 0 {
		last := files[len(files)-1]
		sizeBefore := last.size
		if err := last.scanFile(w.logger); err != nil {
			return err
		}
		if last.size < sizeBefore {
			w.metrics.tornTails.Inc()
		}
		if last.lastID <= 0 {
			level.Warn(w.logger).Log("msg", "removing wal file with no complete record", "file", last.path)
			if err := os.Remove(last.path); err != nil {
				return fmt.Errorf("remove empty wal file: %w", err)
			}
			files = files[:len(files)-1]
		}
	}

	// A mid-log gap makes everything before it orphaned history.
	if gapEnd := findLastGap(files); gapEnd > 0 {
		level.Error(w.logger).Log("msg", "found a log id gap, discarding files before it", "gap_end", gapEnd)
		keep := files[:0]
		for _, f := range files {
			if f.firstID < gapEnd {
				level.Info(w.logger).Log("msg", "removing wal file before gap", "file", f.path)
				if err := os.Remove(f.path); err != nil {
					return fmt.Errorf("remove wal file before gap: %w", err)
				}
				continue
			}
			keep = append(keep, f)
		}
		files = keep
	}

	w.files = files
	if len(files) == 0 {
		return nil
	}

	newest := files[len(files)-1]
	w.firstLogID.Store(files[0].firstID)
	w.lastLogID.Store(newest.lastID)
	w.lastLogTerm.Store(newest.lastTerm)
	level.Info(w.logger).Log(
		"msg", "wal recovered",
		"first_log_id", files[0].firstID,
		"last_log_id", newest.lastID,
		"last_log_term", newest.lastTerm,
		"files", len(files),
	)

	fd, err := os.OpenFile(newest.path, os.O_WRONLY|os.O_APPEND, filePerms)
	if err != nil {
		return fmt.Errorf("open wal file for append: %w", err)
	}
	w.curr = fd
	w.currInfo = newest
	return nil
}

// findLastGap returns the firstID of the file right after the last gap, or 0
// when the file set is contiguous.
func findLastGap(files []*walFile) LogID {
	var gapEnd LogID
	for i := 1; i < len(files); i++ {
		if files[i].firstID > files[i-1].lastID+1 {
			gapEnd = files[i].firstID
		}
	}
	return gapEnd
}

// Dir returns the directory holding the wal files.
func (w *FileWAL) Dir() string { return w.dir }

// FirstLogID returns the id of the oldest record, or 0 when the log is empty.
func (w *FileWAL) FirstLogID() LogID { return w.firstLogID.Load() }

// LastLogID returns the id of the newest record, or 0 when the log is empty.
func (w *FileWAL) LastLogID() LogID { return w.lastLogID.Load() }

// LastLogTerm returns the term of the newest record.
func (w *FileWAL) LastLogTerm() TermID { return w.lastLogTerm.Load() }

// FileCount returns the number of wal files on disk.
func (w *FileWAL) FileCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// AppendLog appends a single record. The id must be exactly LastLogID()+1
// unless the log is empty.
func (w *FileWAL) AppendLog(id LogID, term TermID, cluster ClusterID, msg []byte) error {
	if err := w.checkSpace(); err != nil {
		return err
	}
	w.rollbackMu.RLock()
	defer w.rollbackMu.RUnlock()
	return w.appendLogInternal(id, term, cluster, msg)
}

// AppendLogs appends every record the iterator yields. Atomicity is
// per-record: a mid-batch failure leaves the earlier records durable.
func (w *FileWAL) AppendLogs(iter LogIterator) error {
	if err := w.checkSpace(); err != nil {
		return err
	}
	w.rollbackMu.RLock()
	defer w.rollbackMu.RUnlock()
	for ; iter.Valid(); iter.Next() {
		if err := w.appendLogInternal(iter.LogID(), iter.Term(), iter.Cluster(), iter.Msg()); err != nil {
			return fmt.Errorf("append log %d: %w", iter.LogID(), err)
		}
	}
	return nil
}

func (w *FileWAL) checkSpace() error {
	if w.diskMan != nil && !w.diskMan.HasEnoughSpace(w.info.SpaceID, w.info.PartID) {
		if w.noSpaceCount.Inc()%100 == 1 {
			level.Warn(w.logger).Log("msg", "refusing append, not enough disk space")
		}
		return ErrNoSpace
	}
	return nil
}

func (w *FileWAL) appendLogInternal(id LogID, term TermID, cluster ClusterID, msg []byte) error {
	if w.stopped.Load() {
		return ErrStopped
	}
	if last := w.lastLogID.Load(); last != 0 && w.firstLogID.Load() != 0 && id != last+1 {
		level.Error(w.logger).Log("msg", "log id gap", "last_log_id", last, "appending", id)
		return ErrLogGap
	}
	if w.pre != nil && !w.pre(id, term, cluster, msg) {
		return fmt.Errorf("%w: log %d", ErrRejected, id)
	}

	buf := make([]byte, 0, recordSize(len(msg)))
	buf = appendRecord(buf, id, term, cluster, msg)

	w.mu.Lock()
	if w.curr == nil {
		if err := w.prepareNewFile(id); err != nil {
			w.mu.Unlock()
			return err
		}
	} else if w.currInfo.size+int64(len(buf)) > w.policy.FileSize {
		w.closeCurrFileLocked()
		if err := w.prepareNewFile(id); err != nil {
			w.mu.Unlock()
			return err
		}
		w.metrics.rollovers.Inc()
	}
	curr, currInfo := w.curr, w.currInfo
	w.mu.Unlock()

	n, err := curr.Write(buf)
	if err != nil || n != len(buf) {
		// A partial record at the tail is unrecoverable without truncation;
		// stop accepting appends and let the owner decide.
		w.stopped.Store(true)
		if err == nil {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(buf))
		}
		return fmt.Errorf("write wal record %d: %w", id, err)
	}
	if w.policy.Sync {
		if err := curr.Sync(); err != nil {
			level.Warn(w.logger).Log("msg", "failed to sync wal", "file", currInfo.path, "err", err)
		}
	}

	currInfo.size += int64(len(buf))
	currInfo.lastID = id
	currInfo.lastTerm = term

	w.lastLogID.Store(id)
	w.lastLogTerm.Store(term)
	if w.firstLogID.Load() == 0 {
		w.firstLogID.Store(id)
	}

	w.buffer.push(id, term, cluster, msg)
	w.metrics.appendedLogs.Inc()
	w.metrics.appendedBytes.Add(float64(len(buf)))
	return nil
}

// prepareNewFile starts the file <id>.wal. Caller holds mu.
func (w *FileWAL) prepareNewFile(id LogID) error {
	f := &walFile{
		path:    filepath.Join(w.dir, walFileName(id)),
		firstID: id,
	}
	fd, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, filePerms)
	if err != nil {
		return fmt.Errorf("create wal file: %w", err)
	}
	w.files = append(w.files, f)
	w.curr = fd
	w.currInfo = f
	return nil
}

// closeCurrFileLocked syncs and closes the current file and commits its
// mtime. Caller holds mu.
func (w *FileWAL) closeCurrFileLocked() {
	if w.curr == nil {
		return
	}
	if !w.policy.Sync {
		if err := w.curr.Sync(); err != nil {
			level.Warn(w.logger).Log("msg", "failed to sync wal", "file", w.currInfo.path, "err", err)
		}
	}
	if err := w.curr.Close(); err != nil {
		level.Warn(w.logger).Log("msg", "failed to close wal", "file", w.currInfo.path, "err", err)
	}
	now := time.Now()
	w.currInfo.mtime = now
	if err := os.Chtimes(w.currInfo.path, now, now); err != nil {
		level.Warn(w.logger).Log("msg", "failed to set wal mtime", "file", w.currInfo.path, "err", err)
	}
	w.curr = nil
	w.currInfo = nil
}

// Iterator returns a LogIterator over [firstID, lastID]. When the whole range
// is still resident in the tail buffer, the iterator never touches disk.
// Callers must Close the iterator to release file descriptors.
func (w *FileWAL) Iterator(firstID, lastID LogID) LogIterator {
	if last := w.lastLogID.Load(); lastID > last {
		lastID = last
	}
	if recs := w.buffer.slice(firstID, lastID); recs != nil {
		return &bufferIterator{recs: recs}
	}

	w.rollbackMu.RLock()
	defer w.rollbackMu.RUnlock()
	w.mu.Lock()
	files := make([]*walFile, len(w.files))
	copy(files, w.files)
	w.mu.Unlock()
	return newFileIterator(w.logger, files, firstID, lastID)
}

// RollbackToLog discards every record with an id greater than the target. A
// target of FirstLogID()-1 empties the log.
func (w *FileWAL) RollbackToLog(id LogID) error {
	first, last := w.firstLogID.Load(), w.lastLogID.Load()
	if id < first-1 || id > last {
		level.Error(w.logger).Log("msg", "rollback target out of range", "target", id, "first", first, "last", last)
		return fmt.Errorf("%w: rollback to %d, log is [%d, %d]", ErrOutOfRange, id, first, last)
	}

	w.rollbackMu.Lock()
	defer w.rollbackMu.Unlock()
	w.metrics.rollbacks.Inc()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCurrFileLocked()

	// Remove files whose entire range is rolled back.
	for len(w.files) > 0 {
		f := w.files[len(w.files)-1]
		if f.firstID <= id {
			break
		}
		level.Debug(w.logger).Log("msg", "removing wal file", "file", f.path)
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("remove wal file: %w", err)
		}
		w.files = w.files[:len(w.files)-1]
	}

	if len(w.files) == 0 {
		w.firstLogID.Store(0)
		w.lastLogID.Store(0)
		w.lastLogTerm.Store(0)
	} else {
		tail := w.files[len(w.files)-1]
		if err := tail.truncateAfter(id); err != nil {
			return err
		}
		w.lastLogID.Store(tail.lastID)
		w.lastLogTerm.Store(tail.lastTerm)
		level.Info(w.logger).Log("msg", "rolled back", "last_log_id", tail.lastID)
	}

	w.buffer.reset()
	return nil
}

// Reset drops the whole log: every wal file is unlinked and the ids are
// cleared.
func (w *FileWAL) Reset() error {
	w.rollbackMu.Lock()
	defer w.rollbackMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCurrFileLocked()
	w.buffer.reset()
	w.files = nil

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("list wal dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wal" {
			continue
		}
		p := filepath.Join(w.dir, entry.Name())
		level.Info(w.logger).Log("msg", "removing wal file", "file", p)
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove wal file: %w", err)
		}
	}
	w.firstLogID.Store(0)
	w.lastLogID.Store(0)
	w.lastLogTerm.Store(0)
	return nil
}

// Clean removes files older than the TTL. The two newest files are always
// kept: the newest is being written, and keeping one more avoids a snapshot
// round trip when a replica is only slightly behind.
func (w *FileWAL) Clean() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.files) < 2 {
		return
	}

	now := time.Now()
	total := len(w.files)
	cleaned := 0
	keep := w.files[:0]
	for i, f := range w.files {
		if i < total-2 && now.Sub(f.mtime) > w.policy.TTL {
			level.Debug(w.logger).Log("msg", "removing expired wal file", "file", f.path, "mtime", f.mtime)
			if err := os.Remove(f.path); err != nil {
				level.Warn(w.logger).Log("msg", "failed to remove wal file", "file", f.path, "err", err)
				keep = append(keep, f)
				continue
			}
			cleaned++
			continue
		}
		keep = append(keep, f)
	}
	w.files = keep
	if cleaned > 0 {
		w.metrics.cleanedFiles.Add(float64(cleaned))
		level.Info(w.logger).Log("msg", "cleaned wal files", "count", cleaned)
	}
	w.firstLogID.Store(w.files[0].firstID)
}

// CleanToLogID removes every file whose lastID is below id. It silently
// returns when id is beyond the newest log.
func (w *FileWAL) CleanToLogID(id LogID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.files) == 0 {
		return
	}
	if last := w.files[len(w.files)-1].lastID; last < id {
		level.Warn(w.logger).Log("msg", "clean target beyond newest log", "target", id, "last_log_id", last)
		return
	}

	cleaned := 0
	for len(w.files) > 0 && w.files[0].lastID < id {
		f := w.files[0]
		level.Debug(w.logger).Log("msg", "removing wal file", "file", f.path)
		if err := os.Remove(f.path); err != nil {
			level.Warn(w.logger).Log("msg", "failed to remove wal file", "file", f.path, "err", err)
			break
		}
		w.files = w.files[1:]
		cleaned++
	}
	if cleaned > 0 {
		w.metrics.cleanedFiles.Add(float64(cleaned))
	}
	w.firstLogID.Store(w.files[0].firstID)
}

// LinkTo closes the current file so its mtime is committed, then hardlinks
// every wal file under dst, which is recreated from scratch. Replication uses
// the result as a consistent snapshot of the log prefix.
func (w *FileWAL) LinkTo(dst string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCurrFileLocked()
	if len(w.files) == 0 {
		level.Info(w.logger).Log("msg", "no wal files to link", "dst", dst)
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear link target: %w", err)
	}
	if err := os.MkdirAll(dst, dirPerms); err != nil {
		return fmt.Errorf("create link target: %w", err)
	}
	for _, f := range w.files {
		target := filepath.Join(dst, walFileName(f.firstID))
		if err := os.Link(f.path, target); err != nil {
			return fmt.Errorf("link %s: %w", f.path, err)
		}
	}
	level.Info(w.logger).Log("msg", "linked wal files", "dst", dst, "files", len(w.files))
	return nil
}

// Stop makes every subsequent append fail with ErrStopped. Reads still work.
func (w *FileWAL) Stop() {
	w.stopped.Store(true)
}

// Close stops the WAL and closes the current file.
func (w *FileWAL) Close() error {
	w.stopped.Store(true)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCurrFileLocked()
	return nil
}
