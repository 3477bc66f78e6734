// Package progress implements the strategies used to wait for a
// worker to make progress: busy polling, blocking wait and sleeping on
// the worker event descriptor.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMode = errors.New("progress: unknown wait mode")
	ErrUnsupported = errors.New("progress: wait mode is not supported on this platform")
)

// Worker is the part of a worker the strategies drive.
type Worker interface {
	Progress() int
	Wait(ctx context.Context) error
	Arm() error
	EventFD() (int, error)
}

// Mode selects a Strategy. It is chosen once, when the session starts.
type Mode uint8

const (
	ModeBusyPoll Mode = iota
	ModeBlocking
	ModeEventFD
)

func (m Mode) String() string {
	switch m {
	case ModeBusyPoll:
		return "busy-poll"
	case ModeBlocking:
		return "blocking"
	case ModeEventFD:
		return "eventfd"
	default:
		return "unknown"
	}
}

// NeedsWakeup reports whether the worker must be created with the
// wakeup feature for this mode.
func (m Mode) NeedsWakeup() bool {
	return m != ModeBusyPoll
}

// ParseMode parses a wait mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "busy", "busy-poll", "probe":
		return ModeBusyPoll, nil
	case "wait", "blocking":
		return ModeBlocking, nil
	case "eventfd", "efd":
		return ModeEventFD, nil
	default:
		return ModeBusyPoll, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Strategy advances a worker until something happened, or sleeps
// until it might have. Callers must re-check their condition after
// each Await.
type Strategy interface {
	Await(ctx context.Context) error
	Mode() Mode
	Close() error
}

// New returns the Strategy implementing mode for w.
func New(mode Mode, w Worker) (Strategy, error) {
	switch mode {
	case ModeBusyPoll:
		return &busyPoll{w: w}, nil
	case ModeBlocking:
		return &blocking{w: w}, nil
	case ModeEventFD:
		return newEventFD(w)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
}

// busyPoll only ever calls Progress.
type busyPoll struct {
	w Worker
}

func (s *busyPoll) Await(ctx context.Context) error {
	s.w.Progress()
	return ctx.Err()
}

func (s *busyPoll) Mode() Mode {
	return ModeBusyPoll
}

func (s *busyPoll) Close() error {
	return nil
}

// blocking sleeps in Wait when Progress did nothing.
type blocking struct {
	w Worker
}

func (s *blocking) Await(ctx context.Context) error {
	if s.w.Progress() != 0 {
		return nil
	}
	return s.w.Wait(ctx)
}

func (s *blocking) Mode() Mode {
	return ModeBlocking
}

func (s *blocking) Close() error {
	return nil
}
