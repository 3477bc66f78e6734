//go:build linux

package tagmsg

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

func newEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("worker: failed to create eventfd: %w", err)
	}
	return fd, nil
}

func signalEventFD(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated, the descriptor is readable
	// anyway.
	_, _ = unix.Write(fd, buf[:])
}

func drainEventFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func closeEventFD(fd int) {
	_ = unix.Close(fd)
}
