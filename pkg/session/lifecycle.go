package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/completion"
	"github.com/raskyld/tagmsg/pkg/progress"
)

// Lifecycle creates the endpoint of a session and tears it down
// exactly once.
type Lifecycle struct {
	w        *tagmsg.Worker
	waiter   *completion.Waiter
	strategy progress.Strategy
	mode     ErrorMode
	logger   *slog.Logger

	ep     *tagmsg.Endpoint
	status tagmsg.Status
	closed bool
}

func NewLifecycle(
	w *tagmsg.Worker,
	waiter *completion.Waiter,
	strategy progress.Strategy,
	mode ErrorMode,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		w:        w,
		waiter:   waiter,
		strategy: strategy,
		mode:     mode,
		logger:   logger,
	}
}

// Create connects to the worker whose address is peer. Failures of the
// peer are recorded and can be observed with PeerFailed.
func (l *Lifecycle) Create(peer []byte) (*tagmsg.Endpoint, error) {
	ep, err := l.w.CreateEndpoint(tagmsg.EndpointParams{
		Address:    peer,
		ErrMode:    l.mode.PeerMode,
		ErrHandler: l.onFailure,
		UserData:   &l.status,
	})
	if err != nil {
		l.logger.Error("failed to create an endpoint", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrEndpointCreate, err)
	}
	l.ep = ep
	return ep, nil
}

func (l *Lifecycle) onFailure(_ *tagmsg.Endpoint, status tagmsg.Status, userData any) {
	cell, ok := userData.(*tagmsg.Status)
	if !ok {
		return
	}
	*cell = status
	l.logger.Info("error handling callback was invoked", "status", status.String())
}

// Endpoint returns the endpoint, nil before Create succeeded.
func (l *Lifecycle) Endpoint() *tagmsg.Endpoint {
	return l.ep
}

// PeerFailed reports whether the failure callback fired.
func (l *Lifecycle) PeerFailed() bool {
	return l.status != tagmsg.StatusOK
}

// Status returns the status recorded by the failure callback.
func (l *Lifecycle) Status() tagmsg.Status {
	return l.status
}

// AwaitPeerFailure drives the worker until the failure callback fired.
func (l *Lifecycle) AwaitPeerFailure(ctx context.Context) error {
	for !l.PeerFailed() {
		if err := l.strategy.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the endpoint: forcibly under peer error handling,
// gracefully otherwise. It is a no-op when there is nothing to close.
func (l *Lifecycle) Close(ctx context.Context) error {
	if l.ep == nil || l.closed {
		return nil
	}
	l.closed = true

	flag := tagmsg.CloseGraceful
	if l.mode.PeerMode == tagmsg.ErrModePeer {
		flag = tagmsg.CloseForce
	}

	req, err := l.ep.Close(flag, &tagmsg.RequestParam{
		Send:     completion.SendHandler(l.logger),
		UserData: "endpoint close",
	})
	if err := l.waiter.Wait(ctx, req, err, "close", "endpoint"); err != nil {
		return err
	}
	return nil
}
