//go:build linux

package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/tagmsg"
	"golang.org/x/sys/unix"
)

// epollTimeoutMs is how often the multiplexer gives the context a
// chance to be observed.
const epollTimeoutMs = 1

// eventFD sleeps on the worker descriptor after arming the worker.
type eventFD struct {
	w  Worker
	fd int
}

func newEventFD(w Worker) (Strategy, error) {
	fd, err := w.EventFD()
	if err != nil {
		return nil, fmt.Errorf("progress: failed to get worker descriptor: %w", err)
	}
	return &eventFD{w: w, fd: fd}, nil
}

func (s *eventFD) Await(ctx context.Context) error {
	if s.w.Progress() != 0 {
		return nil
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("progress: epoll_create: %w", err)
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.fd, &ev); err != nil {
		return fmt.Errorf("progress: epoll_ctl: %w", err)
	}

	if err := s.w.Arm(); err != nil {
		if errors.Is(err, tagmsg.StatusErrBusy) {
			return nil
		}
		return fmt.Errorf("progress: failed to arm worker: %w", err)
	}

	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(epfd, events, epollTimeoutMs)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("progress: epoll_wait: %w", err)
		case n > 0:
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *eventFD) Mode() Mode {
	return ModeEventFD
}

func (s *eventFD) Close() error {
	// the descriptor belongs to the worker
	return nil
}
