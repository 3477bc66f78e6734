package tagmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostAllocator(t *testing.T) {
	alloc, err := NewAllocator(MemoryHost, 16)
	require.NoError(t, err)
	require.Equal(t, MemoryHost, alloc.Type())

	buf, err := alloc.Alloc(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	buf[0] = 'A'
	alloc.Free(buf)
	require.Zero(t, buf[0])

	_, err = alloc.Alloc(17)
	require.ErrorIs(t, err, ErrAllocation)

	_, err = NewAllocator(MemoryCUDAManaged, 0)
	require.ErrorIs(t, err, ErrUnsupportedMemory)

	mt, err := ParseMemoryType("cuda-managed")
	require.NoError(t, err)
	require.Equal(t, MemoryCUDAManaged, mt)
}
