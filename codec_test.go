package meridian

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchCodec(t *testing.T) {
	in := []KV{
		{Key: []byte("vertex/1"), Value: []byte("alice")},
		{Key: []byte("edge/1->2"), Value: nil},
		{Key: nil, Value: []byte("headless")},
	}
	out, err := decodeBatch(encodeBatch(in))
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, []byte("vertex/1"), out[0].Key)
	require.Equal(t, []byte("alice"), out[0].Value)
	require.Empty(t, out[1].Value)
	require.Empty(t, out[2].Key)
}

func TestBatchCodecRejectsTruncated(t *testing.T) {
	msg := encodeBatch([]KV{{Key: []byte("k"), Value: []byte("v")}})
	_, err := decodeBatch(msg[:len(msg)-1])
	require.Error(t, err)
	_, err = decodeBatch(msg[:2])
	require.Error(t, err)
}

func TestScopePrefix(t *testing.T) {
	k := scopedKey(1, 2, []byte("tag"))
	require.Len(t, k, scopePrefixLen+3)
	require.Equal(t, scopePrefix(1, 2), k[:scopePrefixLen])

	// Scopes order by space, then partition, so one scope is a contiguous
	// key range.
	require.Less(t, string(scopePrefix(1, 2)), string(scopePrefix(1, 3)))
	require.Less(t, string(scopePrefix(1, 0xffffffff)), string(scopePrefix(2, 0)))
}

func TestPrefixSuccessor(t *testing.T) {
	require.Equal(t, []byte{0x01, 0x03}, prefixSuccessor([]byte{0x01, 0x02}))
	require.Equal(t, []byte{0x02}, prefixSuccessor([]byte{0x01, 0xff}))
	require.Nil(t, prefixSuccessor([]byte{0xff, 0xff}))
}
