package wal

import (
	"encoding/binary"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogIterator streams records over a contiguous id range. It is also the
// shape AppendLogs consumes, so a replicated batch can be appended straight
// from a peer's iterator.
type LogIterator interface {
	Valid() bool
	Next()
	LogID() LogID
	Term() TermID
	Cluster() ClusterID
	Msg() []byte
	Close() error
}

// bufferIterator serves a range that is fully resident in the in-memory tail
// buffer.
type bufferIterator struct {
	recs []bufferedRecord
	pos  int
}

func (it *bufferIterator) Valid() bool        { return it.pos < len(it.recs) }
func (it *bufferIterator) Next()              { it.pos++ }
func (it *bufferIterator) LogID() LogID       { return it.recs[it.pos].id }
func (it *bufferIterator) Term() TermID       { return it.recs[it.pos].term }
func (it *bufferIterator) Cluster() ClusterID { return it.recs[it.pos].cluster }
func (it *bufferIterator) Msg() []byte        { return it.recs[it.pos].msg }
func (it *bufferIterator) Close() error       { return nil }

// fileIterator streams records from the wal files whose ranges intersect
// [currID, lastID]. It holds an open descriptor per file, oldest first, and
// drops each one as the iteration crosses into the next file.
type fileIterator struct {
	logger log.Logger

	fds      []*os.File
	ranges   [][2]LogID // (firstID, lastID) per open file, parallel to fds
	currID   LogID
	lastID   LogID
	nextFile LogID // first id in the next file, or last file's lastID+1

	currPos    int64
	currTerm   TermID
	currMsgLen int32
	eof        bool
}

// newFileIterator builds an iterator over files, which must be the WAL's file
// set sorted by firstID, snapshotted under the index lock.
func newFileIterator(logger log.Logger, files []*walFile, startID, lastID LogID) *fileIterator {
	it := &fileIterator{
		logger: logger,
		currID: startID,
		lastID: lastID,
	}
	if startID > lastID {
		it.eof = true
		return it
	}

	// Open every file from the newest down to the one containing startID.
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if f.lastID < startID && f.firstID <= startID {
			break
		}
		fd, err := os.Open(f.path)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to open wal file", "file", f.path, "err", err)
			it.invalidate()
			return it
		}
		it.fds = append([]*os.File{fd}, it.fds...)
		it.ranges = append([][2]LogID{{f.firstID, f.lastID}}, it.ranges...)
		if f.firstID <= startID {
			break
		}
	}

	if len(it.ranges) == 0 || it.ranges[0][0] > startID || it.ranges[0][1] < startID {
		it.invalidate()
		return it
	}
	it.nextFile = it.firstIDInNextFile()

	// Walk the first file to the byte offset of startID.
	for {
		h, ok := it.readHeader()
		if !ok {
			it.eof = true
			return it
		}
		it.currTerm = h.term
		it.currMsgLen = h.msgLen
		if h.id == it.currID {
			return it
		}
		it.currPos += recordSize(int(h.msgLen))
	}
}

func (it *fileIterator) invalidate() {
	it.currID = it.lastID + 1
	it.closeAll()
}

func (it *fileIterator) firstIDInNextFile() LogID {
	if len(it.ranges) > 1 {
		return it.ranges[1][0]
	}
	return it.ranges[0][1] + 1
}

func (it *fileIterator) readHeader() (recordHeader, bool) {
	var buf [recordHeaderSize]byte
	if _, err := it.fds[0].ReadAt(buf[:], it.currPos); err != nil {
		return recordHeader{}, false
	}
	return decodeRecordHeader(buf[:]), true
}

func (it *fileIterator) Valid() bool {
	return !it.eof && it.currID <= it.lastID
}

func (it *fileIterator) Next() {
	it.currID++
	if it.currID >= it.nextFile {
		// Roll over to the next file.
		if err := it.fds[0].Close(); err != nil {
			level.Warn(it.logger).Log("msg", "failed to close wal file", "err", err)
			it.eof = true
			return
		}
		it.fds = it.fds[1:]
		it.ranges = it.ranges[1:]
		if len(it.ranges) == 0 {
			it.currID = it.lastID + 1
			return
		}
		it.nextFile = it.firstIDInNextFile()
		it.currPos = 0
	} else {
		it.currPos += recordSize(int(it.currMsgLen))
	}

	h, ok := it.readHeader()
	if !ok {
		it.eof = true
		return
	}
	if h.id != it.currID {
		level.Error(it.logger).Log("msg", "log id is not consistent", "got", h.id, "want", it.currID)
		it.eof = true
		return
	}
	it.currTerm = h.term
	it.currMsgLen = h.msgLen
}

func (it *fileIterator) LogID() LogID { return it.currID }
func (it *fileIterator) Term() TermID { return it.currTerm }

func (it *fileIterator) Cluster() ClusterID {
	var buf [clusterSize]byte
	if _, err := it.fds[0].ReadAt(buf[:], it.currPos+logIDSize+termIDSize+msgLenSize); err != nil {
		level.Warn(it.logger).Log("msg", "failed to read cluster id", "pos", it.currPos, "err", err)
		return 0
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func (it *fileIterator) Msg() []byte {
	msg := make([]byte, it.currMsgLen)
	if _, err := it.fds[0].ReadAt(msg, it.currPos+recordHeaderSize); err != nil {
		level.Warn(it.logger).Log("msg", "failed to read log message", "pos", it.currPos, "err", err)
		it.eof = true
		return nil
	}
	return msg
}

func (it *fileIterator) Close() error {
	it.closeAll()
	return nil
}

func (it *fileIterator) closeAll() {
	for _, fd := range it.fds {
		_ = fd.Close()
	}
	it.fds = nil
	it.ranges = nil
}

// recordsIterator adapts a slice of records to the LogIterator contract. The
// write path uses it to batch-append.
type recordsIterator struct {
	recs []Record
	pos  int
}

// Record is one WAL entry held in memory.
type Record struct {
	ID      LogID
	Term    TermID
	Cluster ClusterID
	Msg     []byte
}

// NewRecordsIterator returns a LogIterator over recs, which must be sorted by
// consecutive ids.
func NewRecordsIterator(recs []Record) LogIterator {
	return &recordsIterator{recs: recs}
}

func (it *recordsIterator) Valid() bool        { return it.pos < len(it.recs) }
func (it *recordsIterator) Next()              { it.pos++ }
func (it *recordsIterator) LogID() LogID       { return it.recs[it.pos].ID }
func (it *recordsIterator) Term() TermID       { return it.recs[it.pos].Term }
func (it *recordsIterator) Cluster() ClusterID { return it.recs[it.pos].Cluster }
func (it *recordsIterator) Msg() []byte        { return it.recs[it.pos].Msg }
func (it *recordsIterator) Close() error       { return nil }
