package meridian

import "encoding/binary"

// Every engine key is scoped to one (space, partition) by a fixed-length
// prefix: 4 bytes of space id followed by 4 bytes of partition id, both
// big-endian so a scope is a single contiguous key range and the engine's
// prefix bloom filter can key on it.
const scopePrefixLen = 8

func scopePrefix(space, part uint32) []byte {
	b := make([]byte, scopePrefixLen)
	binary.BigEndian.PutUint32(b[0:4], space)
	binary.BigEndian.PutUint32(b[4:8], part)
	return b
}

func scopedKey(space, part uint32, key []byte) []byte {
	b := make([]byte, scopePrefixLen+len(key))
	binary.BigEndian.PutUint32(b[0:4], space)
	binary.BigEndian.PutUint32(b[4:8], part)
	copy(b[scopePrefixLen:], key)
	return b
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, for use as an exclusive upper bound. A nil return means the
// prefix is all 0xff and has no successor.
func prefixSuccessor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
