// Package envelope frames the payloads exchanged over tagged messages:
// a native-endian u64 length followed by exactly that many bytes.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/raskyld/tagmsg"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 8

var (
	ErrShortEnvelope  = errors.New("envelope: shorter than its header")
	ErrLengthMismatch = errors.New("envelope: announced length does not match")
	ErrCorrupted      = errors.New("envelope: payload does not match the test pattern")
)

// Size returns the number of bytes an envelope carrying n bytes needs.
func Size(n int) int {
	return HeaderSize + n
}

// Encode allocates an envelope from alloc and fills it with payload.
func Encode(alloc tagmsg.Allocator, payload []byte) ([]byte, error) {
	buf, err := alloc.Alloc(Size(len(payload)))
	if err != nil {
		return nil, err
	}
	binary.NativeEndian.PutUint64(buf, uint64(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode returns the payload of buf, checking the announced length is
// exactly the number of bytes following the header.
func Decode(buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortEnvelope, len(buf))
	}
	length := binary.NativeEndian.Uint64(buf)
	if got := uint64(len(buf) - HeaderSize); length != got {
		return nil, fmt.Errorf("%w: announced %d, carried %d", ErrLengthMismatch, length, got)
	}
	return buf[HeaderSize:], nil
}

// TestString returns n bytes cycling through 'A'..'Z' and ending with
// a zero byte.
func TestString(n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	s := make([]byte, n)
	for i := range n - 1 {
		s[i] = 'A' + byte(i%26)
	}
	s[n-1] = 0
	return s
}

// Verify checks p is what TestString(len(p)) produces.
func Verify(p []byte) error {
	for i, b := range p {
		want := byte('A' + i%26)
		if i == len(p)-1 {
			want = 0
		}
		if b != want {
			return fmt.Errorf("%w: byte %d is 0x%x, expected 0x%x", ErrCorrupted, i, b, want)
		}
	}
	return nil
}

// Printable returns p without its terminating zero byte.
func Printable(p []byte) string {
	if n := len(p); n > 0 && p[n-1] == 0 {
		return string(p[:n-1])
	}
	return string(p)
}
