package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcksInOrder(t *testing.T) {
	require := require.New(t)

	a := newAcksFromBitmap(0, nil)
	require.True(a.add(0))
	require.True(a.add(1))
	require.False(a.add(1))
	require.Equal(uint64(2), a.next)
	require.Len(a.sparse, 0)
	require.True(a.changed)
}

func TestAcksOutOfOrder(t *testing.T) {
	require := require.New(t)

	a := newAcksFromBitmap(5, nil)
	require.True(a.add(7))
	require.True(a.add(8))
	require.Equal(uint64(5), a.next)
	require.Equal([]byte{6}, a.sparseBitmap())

	require.True(a.add(5))
	require.Equal(uint64(6), a.next)
	require.True(a.add(6))
	require.Equal(uint64(9), a.next)
	require.Equal(map[uint64]bool{}, a.sparse)
	require.False(a.add(3))
}

func TestAcksFromBitmap(t *testing.T) {
	require := require.New(t)

	a := newAcksFromBitmap(5, []byte{5}) // 6, 8
	require.Equal(uint64(5), a.next)
	require.Equal(map[uint64]bool{6: true, 8: true}, a.sparse)
	require.False(a.changed)

	require.True(a.add(5))
	require.Equal(uint64(7), a.next)
	require.Equal([]byte{1}, a.sparseBitmap())
}

func TestAcked(t *testing.T) {
	require := require.New(t)

	a := newAcksFromBitmap(5, []byte{1}) // 6
	require.True(a.acked(4))
	require.False(a.acked(5))
	require.True(a.acked(6))
	require.False(a.acked(7))
}
