package wal

import (
	"encoding/binary"
)

// LogID identifies one record within a partition's log. The first record
// ever appended has id 1; id 0 means "no log".
type LogID = int64

// TermID tags a leadership epoch. It is non-decreasing along any one log.
type TermID = int64

// ClusterID is an opaque tag carried on every record. The WAL treats it as
// eight bytes.
type ClusterID = int64

// A record is laid out on disk as
//
//	[8 logId][8 termId][4 msgLen][8 clusterId][msgLen msg][4 msgLen]
//
// with all integers little-endian. The trailing msgLen duplicates the one in
// the header; a record is valid iff both are present and equal.
const (
	logIDSize   = 8
	termIDSize  = 8
	msgLenSize  = 4
	clusterSize = 8

	recordHeaderSize = logIDSize + termIDSize + msgLenSize + clusterSize
	recordFooterSize = msgLenSize
)

func recordSize(msgLen int) int64 {
	return int64(recordHeaderSize + msgLen + recordFooterSize)
}

// appendRecord serializes one record onto buf and returns the extended slice.
func appendRecord(buf []byte, id LogID, term TermID, cluster ClusterID, msg []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(term))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msg)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(cluster))
	buf = append(buf, msg...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msg)))
	return buf
}

type recordHeader struct {
	id      LogID
	term    TermID
	msgLen  int32
	cluster ClusterID
}

func decodeRecordHeader(b []byte) recordHeader {
	return recordHeader{
		id:      int64(binary.LittleEndian.Uint64(b[0:8])),
		term:    int64(binary.LittleEndian.Uint64(b[8:16])),
		msgLen:  int32(binary.LittleEndian.Uint32(b[16:20])),
		cluster: int64(binary.LittleEndian.Uint64(b[20:28])),
	}
}
