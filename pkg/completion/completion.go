// Package completion tracks the outcome of non-blocking substrate
// operations and drives them to completion.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"code.hybscloud.com/atomix"
	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/progress"
)

var (
	ErrOperationFailed = errors.New("completion: operation failed")
	ErrNoTracker       = errors.New("completion: request carries no tracker")
)

// Tracker is attached to every request through the context
// request-init hook. Its completed flag is flipped once, by the
// completion callback.
type Tracker struct {
	done  atomix.Uint32
	op    string
	label string
}

// NewTracker is the request-init hook producing a fresh Tracker.
func NewTracker() any {
	return &Tracker{}
}

// Completed reports whether the completion callback already ran.
func (t *Tracker) Completed() bool {
	return t.done.Load() != 0
}

func (t *Tracker) markCompleted() {
	t.done.Add(1)
}

// TrackerOf returns the Tracker attached to req, or nil.
func TrackerOf(req *tagmsg.Request) *Tracker {
	if req == nil {
		return nil
	}
	tr, _ := req.Private().(*Tracker)
	return tr
}

// SendHandler returns the callback used for sends, flushes and closes.
func SendHandler(logger *slog.Logger) tagmsg.SendCallback {
	return func(req *tagmsg.Request, status tagmsg.Status, userData any) {
		if tr := TrackerOf(req); tr != nil {
			tr.markCompleted()
		}
		logger.Debug("send handler called", "label", userData, "status", status.String())
	}
}

// RecvHandler returns the callback used for receives.
func RecvHandler(logger *slog.Logger) tagmsg.RecvCallback {
	return func(req *tagmsg.Request, status tagmsg.Status, info tagmsg.TagRecvInfo, userData any) {
		if tr := TrackerOf(req); tr != nil {
			tr.markCompleted()
		}
		logger.Debug("receive handler called",
			"label", userData,
			"status", status.String(),
			"length", info.Length,
			"sender_tag", fmt.Sprintf("0x%x", info.SenderTag),
		)
	}
}

// Waiter resolves the outcome of non-blocking operations using a
// progress strategy.
type Waiter struct {
	strategy progress.Strategy
	logger   *slog.Logger
}

func NewWaiter(strategy progress.Strategy, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{strategy: strategy, logger: logger}
}

// Wait classifies what a non-blocking operation returned:
//   - err != nil: the operation failed in place, it is returned as is.
//   - req == nil: the operation succeeded in place.
//   - otherwise the strategy is driven until the request tracker is
//     completed, then the request status is read and the request freed.
//
// op and data only label the outcome in logs and errors.
func (wt *Waiter) Wait(ctx context.Context, req *tagmsg.Request, err error, op, data string) error {
	status := tagmsg.StatusOK

	switch {
	case err != nil:
		status = tagmsg.StatusOf(err)
	case req == nil:
	default:
		tr := TrackerOf(req)
		if tr == nil {
			req.Free()
			return fmt.Errorf("%w: unable to %s %s", ErrNoTracker, op, data)
		}
		tr.op = op
		tr.label = data

		for !tr.Completed() {
			if werr := wt.strategy.Await(ctx); werr != nil {
				wt.logger.Error("gave up waiting", "op", tr.op, "data", tr.label, "error", werr)
				req.Free()
				return werr
			}
		}
		status = req.Status()
		req.Free()
	}

	if status != tagmsg.StatusOK {
		wt.logger.Error(fmt.Sprintf("unable to %s %s", op, data), "status", status.String())
		if err == nil {
			err = status
		}
		return fmt.Errorf("%w: unable to %s %s: %w", ErrOperationFailed, op, data, err)
	}

	wt.logger.Info(fmt.Sprintf("finished to %s %s", op, data))
	return nil
}
