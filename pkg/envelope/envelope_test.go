package envelope

import (
	"encoding/binary"
	"testing"

	"github.com/raskyld/tagmsg"
	"github.com/stretchr/testify/require"
)

func TestTestString(t *testing.T) {
	t.Run("length 16", func(t *testing.T) {
		s := TestString(16)
		require.Len(t, s, 16)
		require.Equal(t, "ABCDEFGHIJKLMNO", string(s[:15]))
		require.Zero(t, s[15])
	})

	t.Run("wraps after Z", func(t *testing.T) {
		s := TestString(30)
		require.Equal(t, byte('Z'), s[25])
		require.Equal(t, byte('A'), s[26])
		require.Equal(t, byte('C'), s[28])
		require.Zero(t, s[29])
	})

	t.Run("length 1 is only the terminator", func(t *testing.T) {
		require.Equal(t, []byte{0}, TestString(1))
	})

	t.Run("length 0 is empty", func(t *testing.T) {
		require.Empty(t, TestString(0))
	})

	for _, n := range []int{0, 1, 2, 26, 27, 100} {
		require.NoError(t, Verify(TestString(n)), "length %d", n)
	}
}

func TestVerify(t *testing.T) {
	s := TestString(8)
	s[3] = 'x'
	require.ErrorIs(t, Verify(s), ErrCorrupted)

	s = TestString(8)
	s[7] = 'H'
	require.ErrorIs(t, Verify(s), ErrCorrupted)

	require.Equal(t, "ABCDEFG", Printable(TestString(8)))
}

func TestEncodeDecode(t *testing.T) {
	alloc, err := tagmsg.NewAllocator(tagmsg.MemoryHost, 1024)
	require.NoError(t, err)

	payload := TestString(16)
	buf, err := Encode(alloc, payload)
	require.NoError(t, err)
	require.Len(t, buf, Size(16))
	require.EqualValues(t, 16, binary.NativeEndian.Uint64(buf))

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	t.Run("empty payload", func(t *testing.T) {
		buf, err := Encode(alloc, nil)
		require.NoError(t, err)
		require.Len(t, buf, HeaderSize)

		got, err := Decode(buf)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("length mismatch", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		binary.NativeEndian.PutUint64(bad, 17)
		_, err := Decode(bad)
		require.ErrorIs(t, err, ErrLengthMismatch)

		_, err = Decode(buf[:HeaderSize+3])
		require.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("shorter than header", func(t *testing.T) {
		_, err := Decode([]byte{1, 2, 3})
		require.ErrorIs(t, err, ErrShortEnvelope)
	})

	t.Run("allocation limit", func(t *testing.T) {
		_, err := Encode(alloc, make([]byte, 2048))
		require.ErrorIs(t, err, tagmsg.ErrAllocation)
	})
}
