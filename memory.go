package tagmsg

import (
	"fmt"
	"strings"
)

// MemoryType is where message buffers live.
type MemoryType uint8

const (
	MemoryHost MemoryType = iota
	MemoryCUDA
	MemoryCUDAManaged
)

func (m MemoryType) String() string {
	switch m {
	case MemoryHost:
		return "host"
	case MemoryCUDA:
		return "cuda"
	case MemoryCUDAManaged:
		return "cuda-managed"
	default:
		return "unknown"
	}
}

// ParseMemoryType parses the names produced by MemoryType.String.
func ParseMemoryType(s string) (MemoryType, error) {
	switch strings.ToLower(s) {
	case "", "host":
		return MemoryHost, nil
	case "cuda":
		return MemoryCUDA, nil
	case "cuda-managed":
		return MemoryCUDAManaged, nil
	default:
		return MemoryHost, fmt.Errorf("%w: %q", ErrUnsupportedMemory, s)
	}
}

// Allocator hands out message buffers of a given memory type.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
	Type() MemoryType
}

// NewAllocator returns the allocator for mt. Buffers larger than limit
// are refused. Only host memory is available in this build.
func NewAllocator(mt MemoryType, limit uint64) (Allocator, error) {
	if mt != MemoryHost {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMemory, mt)
	}
	if limit == 0 {
		limit = defaultMaxMessageSize
	}
	return &hostAllocator{limit: limit}, nil
}

type hostAllocator struct {
	limit uint64
}

func (a *hostAllocator) Alloc(n int) ([]byte, error) {
	if n < 0 || uint64(n) > a.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, limit is %d", ErrAllocation, n, a.limit)
	}
	return make([]byte, n), nil
}

func (a *hostAllocator) Free(b []byte) {
	clear(b)
}

func (a *hostAllocator) Type() MemoryType {
	return MemoryHost
}
