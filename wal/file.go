package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// walFile describes one on-disk log file. The name encodes the first log id
// in the file as 19 zero-padded decimal digits, e.g. "0000000000000000042.wal".
type walFile struct {
	path     string
	firstID  LogID
	lastID   LogID
	lastTerm TermID
	size     int64
	mtime    time.Time
}

func walFileName(firstID LogID) string {
	return fmt.Sprintf("%019d.wal", firstID)
}

// scanDir lists every *.wal file under dir and recovers its metadata from the
// trailing tombstone. Files with unparseable names are skipped with a log
// line. A file whose first record does not match its name, or whose tombstone
// is unreadable or disagrees, stays in the set with lastID 0: if it is the
// newest file, recovery rescans it with scanFile and removes it when no record
// survives (always the case for a first-record mismatch); otherwise gap
// detection removes it together with every older file.
func scanDir(dir string, logger log.Logger) ([]*walFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list wal dir: %w", err)
	}

	var files []*walFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".wal") {
			continue
		}
		firstID, err := strconv.ParseInt(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			level.Error(logger).Log("msg", "ignoring wal file with bad name", "file", name)
			continue
		}

		f := &walFile{
			path:    filepath.Join(dir, name),
			firstID: firstID,
		}
		st, err := os.Lstat(f.path)
		if err != nil {
			level.Error(logger).Log("msg", "failed to stat wal file, ignoring it", "file", name, "err", err)
			continue
		}
		f.size = st.Size()
		f.mtime = st.ModTime()

		if f.size == 0 {
			level.Warn(logger).Log("msg", "found empty wal file", "file", name)
			files = append(files, f)
			continue
		}

		if err := f.readTailMeta(); err != nil {
			// Keep the file in the set with lastID 0: if it is the newest
			// file, the end-to-end scan repairs or deletes it; otherwise gap
			// detection discards it along with the history before it.
			level.Error(logger).Log("msg", "failed to recover wal file metadata", "file", name, "err", err)
			f.lastID = 0
			f.lastTerm = 0
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].firstID < files[j].firstID })
	return files, nil
}

// readTailMeta recovers lastID and lastTerm by reading the tombstone at the
// end of the file: the footer length, the matching header length, and the
// last record's id and term. It also verifies the first record's id against
// the file name.
func (f *walFile) readTailMeta() error {
	fd, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer fd.Close()

	var buf [8]byte
	if _, err := fd.ReadAt(buf[:logIDSize], 0); err != nil {
		return fmt.Errorf("read first log id: %w", err)
	}
	if firstID := int64(binary.LittleEndian.Uint64(buf[:8])); firstID != f.firstID {
		return fmt.Errorf("first log id %d does not match file name", firstID)
	}

	if _, err := fd.ReadAt(buf[:msgLenSize], f.size-recordFooterSize); err != nil {
		return fmt.Errorf("read last record footer: %w", err)
	}
	footLen := int64(int32(binary.LittleEndian.Uint32(buf[:4])))

	headOff := f.size - recordFooterSize - footLen - clusterSize - msgLenSize
	if headOff < logIDSize+termIDSize {
		return fmt.Errorf("tombstone length %d is out of bounds", footLen)
	}
	if _, err := fd.ReadAt(buf[:msgLenSize], headOff); err != nil {
		return fmt.Errorf("read last record header length: %w", err)
	}
	headLen := int64(int32(binary.LittleEndian.Uint32(buf[:4])))
	if headLen != footLen {
		return fmt.Errorf("record lengths disagree: header %d, footer %d", headLen, footLen)
	}

	if _, err := fd.ReadAt(buf[:termIDSize], headOff-termIDSize); err != nil {
		return fmt.Errorf("read last record term: %w", err)
	}
	f.lastTerm = int64(binary.LittleEndian.Uint64(buf[:8]))

	if _, err := fd.ReadAt(buf[:logIDSize], headOff-termIDSize-logIDSize); err != nil {
		return fmt.Errorf("read last record id: %w", err)
	}
	f.lastID = int64(binary.LittleEndian.Uint64(buf[:8]))
	return nil
}

// scanFile walks the file record by record from its first id, requiring
// consecutive log ids and matching header/footer lengths. At the first bad
// record it truncates the file to the last good offset. A file that yields no
// complete record at all ends up with lastID == 0.
func (f *walFile) scanFile(logger log.Logger) error {
	fd, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fd.Close()

	var (
		header [recordHeaderSize]byte
		footer [recordFooterSize]byte
		pos    int64
		expect = f.firstID
	)
	f.lastID = 0
	f.lastTerm = 0
	for {
		if _, err := fd.ReadAt(header[:], pos); err != nil {
			break
		}
		h := decodeRecordHeader(header[:])
		if h.id != expect {
			level.Error(logger).Log("msg", "log id is not consistent", "got", h.id, "want", expect)
			break
		}
		footOff := pos + recordHeaderSize + int64(h.msgLen)
		if _, err := fd.ReadAt(footer[:], footOff); err != nil {
			break
		}
		if footLen := int32(binary.LittleEndian.Uint32(footer[:])); footLen != h.msgLen {
			level.Error(logger).Log("msg", "record lengths disagree", "header", h.msgLen, "footer", footLen)
			break
		}

		f.lastID = h.id
		f.lastTerm = h.term
		pos += recordSize(int(h.msgLen))
		expect++
	}

	if pos < f.size {
		level.Warn(logger).Log("msg", "truncating torn wal tail", "file", f.path, "offset", pos)
		if err := fd.Truncate(pos); err != nil {
			return fmt.Errorf("truncate %s: %w", f.path, err)
		}
		f.size = pos
	}
	return nil
}

// truncateAfter walks the file to the record with the given id and truncates
// everything past its footer.
func (f *walFile) truncateAfter(id LogID) error {
	fd, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fd.Close()

	var (
		header [recordHeaderSize]byte
		pos    int64
		term   TermID
		found  bool
	)
	for {
		if _, err := fd.ReadAt(header[:], pos); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read record header: %w", err)
		}
		h := decodeRecordHeader(header[:])
		pos += recordSize(int(h.msgLen))
		if h.id == id {
			term = h.term
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("log %d not found in %s", id, f.path)
	}

	if pos < f.size {
		if err := fd.Truncate(pos); err != nil {
			return fmt.Errorf("truncate %s: %w", f.path, err)
		}
		f.size = pos
	}
	f.lastID = id
	f.lastTerm = term
	return nil
}
