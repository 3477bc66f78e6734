package completion

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/progress"
	"github.com/stretchr/testify/require"
)

const testTag uint64 = 0x1337a880

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newWorker(t *testing.T, name string, opts ...tagmsg.Option) *tagmsg.Worker {
	t.Helper()
	base := []tagmsg.Option{
		tagmsg.WithName(name),
		tagmsg.WithListenOn("127.0.0.1", 0),
		tagmsg.WithRequestInit(NewTracker),
		tagmsg.WithHandshakeTimeout(500 * time.Millisecond),
		tagmsg.WithLog(testHandler(name)),
		tagmsg.WithMetricSink(&metrics.BlackholeSink{}),
	}
	tctx, err := tagmsg.Init(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(tctx.Cleanup)

	w, err := tctx.NewWorker()
	require.NoError(t, err)
	return w
}

func connect(t *testing.T, from, to *tagmsg.Worker) *tagmsg.Endpoint {
	t.Helper()
	addr, err := to.Address()
	require.NoError(t, err)
	ep, err := from.CreateEndpoint(tagmsg.EndpointParams{Address: addr})
	require.NoError(t, err)
	return ep
}

// connectDead returns an endpoint towards a worker killed before the
// endpoint could reach it.
func connectDead(t *testing.T, from *tagmsg.Worker) *tagmsg.Endpoint {
	t.Helper()
	ghost := newWorker(t, "ghost")
	addr, err := ghost.Address()
	require.NoError(t, err)
	ghost.Abort()

	ep, err := from.CreateEndpoint(tagmsg.EndpointParams{Address: addr})
	require.NoError(t, err)
	return ep
}

type countingStrategy struct {
	progress.Strategy
	calls int
}

func (c *countingStrategy) Await(ctx context.Context) error {
	c.calls++
	return c.Strategy.Await(ctx)
}

func waiterFor(t *testing.T, w *tagmsg.Worker, name string) (*Waiter, *countingStrategy) {
	t.Helper()
	s, err := progress.New(progress.ModeBusyPoll, w)
	require.NoError(t, err)
	cs := &countingStrategy{Strategy: s}
	return NewWaiter(cs, slog.New(testHandler(name))), cs
}

func TestWaitImmediate(t *testing.T) {
	w := newWorker(t, "solo")
	wt, cs := waiterFor(t, w, "solo")

	t.Run("immediate error is returned without waiting", func(t *testing.T) {
		err := wt.Wait(context.Background(), nil, tagmsg.StatusErrMessageTruncated, "receive", "data")
		require.ErrorIs(t, err, ErrOperationFailed)
		require.ErrorIs(t, err, tagmsg.StatusErrMessageTruncated)
		require.Zero(t, cs.calls)
	})

	t.Run("immediate success", func(t *testing.T) {
		require.NoError(t, wt.Wait(context.Background(), nil, nil, "receive", "data"))
		require.Zero(t, cs.calls)
	})
}

func TestWaitPending(t *testing.T) {
	alice := newWorker(t, "alice")
	bob := newWorker(t, "bob")
	aliceWaiter, aliceStrat := waiterFor(t, alice, "alice")
	bobWaiter, _ := waiterFor(t, bob, "bob")
	logger := slog.New(testHandler("handlers"))

	ep := connect(t, alice, bob)
	payload := []byte("hello bob")

	req, err := ep.TagSend(payload, testTag, &tagmsg.RequestParam{
		Send:     SendHandler(logger),
		UserData: "data message",
	})
	require.NoError(t, err)
	require.NotNil(t, req, "sends always complete asynchronously")
	require.False(t, TrackerOf(req).Completed())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, aliceWaiter.Wait(ctx, req, nil, "send", "data message"))
	require.Positive(t, aliceStrat.calls)

	var msg *tagmsg.Message
	require.Eventually(t, func() bool {
		bob.Progress()
		msg, err = bob.TagProbe(testTag, ^uint64(0), true)
		return err == nil
	}, 5*time.Second, time.Millisecond)
	require.EqualValues(t, len(payload), msg.Info().Length)

	buf := make([]byte, msg.Info().Length)
	req, err = bob.TagMsgRecv(buf, msg, &tagmsg.RequestParam{
		Flags:    tagmsg.FlagNoImmediateCompletion,
		Recv:     RecvHandler(logger),
		UserData: "data message",
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NoError(t, bobWaiter.Wait(ctx, req, nil, "receive", "data message"))
	require.Equal(t, payload, buf)
}

func TestWaitPendingFailure(t *testing.T) {
	alice := newWorker(t, "alice")
	wt, _ := waiterFor(t, alice, "alice")

	ep := connectDead(t, alice)
	req, err := ep.TagSend([]byte("anyone?"), testTag, &tagmsg.RequestParam{
		Send: SendHandler(slog.New(testHandler("handlers"))),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = wt.Wait(ctx, req, nil, "send", "data message")
	require.ErrorIs(t, err, ErrOperationFailed)
	require.Equal(t, tagmsg.StatusErrUnreachable, tagmsg.StatusOf(err))
}

func TestWaitWithoutTracker(t *testing.T) {
	alice := newWorker(t, "alice", tagmsg.WithRequestInit(nil))
	bob := newWorker(t, "bob")
	wt, _ := waiterFor(t, alice, "alice")

	ep := connect(t, alice, bob)
	req, err := ep.Flush(nil)
	require.NoError(t, err)

	err = wt.Wait(context.Background(), req, nil, "flush", "endpoint")
	require.ErrorIs(t, err, ErrNoTracker)
}

func TestWaitCanceled(t *testing.T) {
	alice := newWorker(t, "alice")
	wt, _ := waiterFor(t, alice, "alice")

	ep := connectDead(t, alice)
	req, err := ep.Flush(&tagmsg.RequestParam{Send: SendHandler(slog.Default())})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = wt.Wait(ctx, req, nil, "flush", "endpoint")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		alice.Progress()
		return req.Status() != tagmsg.StatusInProgress
	}, 5*time.Second, time.Millisecond)

	bob := newWorker(t, "bob")
	again, err := connect(t, alice, bob).Flush(nil)
	require.NoError(t, err)
	require.Same(t, req, again, "an abandoned request returns to the pool once completed")
}
