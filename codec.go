package meridian

import (
	"encoding/binary"
	"fmt"
)

// A write batch travels through the WAL as one log message: a little-endian
// op count followed by length-prefixed key/value pairs. The same bytes are
// decoded during rebuild, so the codec must stay stable across versions.

func encodeBatch(kvs []KV) []byte {
	size := 4
	for _, kv := range kvs {
		size += 8 + len(kv.Key) + len(kv.Value)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(kvs)))
	for _, kv := range kvs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(kv.Key)))
		buf = append(buf, kv.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(kv.Value)))
		buf = append(buf, kv.Value...)
	}
	return buf
}

func decodeBatch(msg []byte) ([]KV, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("batch message too short: %d bytes", len(msg))
	}
	count := binary.LittleEndian.Uint32(msg)
	msg = msg[4:]

	kvs := make([]KV, 0, count)
	readChunk := func() ([]byte, error) {
		if len(msg) < 4 {
			return nil, fmt.Errorf("truncated batch message")
		}
		n := binary.LittleEndian.Uint32(msg)
		msg = msg[4:]
		if uint32(len(msg)) < n {
			return nil, fmt.Errorf("truncated batch message")
		}
		chunk := msg[:n:n]
		msg = msg[n:]
		return chunk, nil
	}
	for i := uint32(0); i < count; i++ {
		key, err := readChunk()
		if err != nil {
			return nil, err
		}
		value, err := readChunk()
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, KV{Key: key, Value: value})
	}
	return kvs, nil
}
