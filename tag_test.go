package tagmsg

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func probeUntil(t *testing.T, w *Worker, tag, mask uint64, remove bool) *Message {
	t.Helper()
	var msg *Message
	progressUntil(t, w, func() bool {
		var err error
		msg, err = w.TagProbe(tag, mask, remove)
		return err == nil
	})
	return msg
}

func TestTagSendRecv(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob")
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	payload := []byte("hello, bob!")
	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, payload))

	msg := probeUntil(t, bob, testTag, ^uint64(0), false)
	require.Equal(t, TagRecvInfo{SenderTag: testTag, Length: uint64(len(payload))}, msg.Info())
	require.NotNil(t, msg.From())

	again, err := bob.TagProbe(testTag, ^uint64(0), true)
	require.NoError(t, err)
	require.Same(t, msg, again, "probing without removing leaves the message queued")

	_, err = bob.TagProbe(testTag, ^uint64(0), true)
	require.ErrorIs(t, err, iox.ErrWouldBlock)

	buf := make([]byte, len(payload))
	req, err := bob.TagMsgRecv(buf, msg, nil)
	require.NoError(t, err)
	require.Nil(t, req, "receive completes in place")
	require.Equal(t, payload, buf)

	_, err = bob.TagMsgRecv(buf, msg, nil)
	require.ErrorIs(t, err, StatusErrInvalidParam)
}

func TestTagProbeMask(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob")
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, 0x10, []byte("first")))
	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, 0x21, []byte("second")))

	msg := probeUntil(t, bob, 0x20, 0xF0, true)
	require.EqualValues(t, 0x21, msg.Info().SenderTag)

	_, err := bob.TagProbe(0x30, 0xF0, false)
	require.ErrorIs(t, err, iox.ErrWouldBlock)

	msg = probeUntil(t, bob, 0, 0, true)
	require.EqualValues(t, 0x10, msg.Info().SenderTag)
}

func TestTagMsgRecvTruncated(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob")
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, []byte("too long for you")))
	msg := probeUntil(t, bob, testTag, ^uint64(0), true)

	_, err := bob.TagMsgRecv(make([]byte, 4), msg, nil)
	require.ErrorIs(t, err, StatusErrMessageTruncated)

	_, err = bob.TagMsgRecv(make([]byte, 64), msg, nil)
	require.ErrorIs(t, err, StatusErrInvalidParam, "a truncated message is consumed")
}

func TestTagMsgRecvDeferred(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob", WithRequestInit(func() any { return "private" }))
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	payload := []byte("later")
	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, payload))
	msg := probeUntil(t, bob, testTag, ^uint64(0), true)

	var (
		got      TagRecvInfo
		userData any
		called   bool
	)
	buf := make([]byte, 16)
	req, err := bob.TagMsgRecv(buf, msg, &RequestParam{
		Flags: FlagNoImmediateCompletion,
		Recv: func(_ *Request, status Status, info TagRecvInfo, ud any) {
			require.Equal(t, StatusOK, status)
			got, userData, called = info, ud, true
		},
		UserData: "data message",
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, OpRecv, req.Kind())
	require.Equal(t, "private", req.Private())
	require.Equal(t, StatusInProgress, req.Status())
	require.False(t, called, "callbacks only run from Progress")

	bob.Progress()
	require.True(t, called)
	require.Equal(t, StatusOK, req.Status())
	require.Equal(t, TagRecvInfo{SenderTag: testTag, Length: uint64(len(payload))}, got)
	require.Equal(t, "data message", userData)
	require.Equal(t, payload, buf[:len(payload)])
	req.Free()
}

func TestTagSendLimits(t *testing.T) {
	alice := newTestWorker(t, "alice", WithMaxMessageSize(8))
	bob := newTestWorker(t, "bob")
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	_, err := ep.TagSend(make([]byte, 9), testTag, nil)
	require.ErrorIs(t, err, StatusErrExceedsLimit)

	_, err = ep.TagSend(make([]byte, 8), testTag, &RequestParam{MemoryType: MemoryCUDA})
	require.ErrorIs(t, err, ErrUnsupportedMemory)
}

func TestFrame(t *testing.T) {
	frame := appendFrame(nil, testTag, []byte("payload"))

	tag, payload, err := readFrame(bufio.NewReader(bytes.NewReader(frame)), 64)
	require.NoError(t, err)
	require.Equal(t, testTag, tag)
	require.Equal(t, []byte("payload"), payload)

	_, _, err = readFrame(bufio.NewReader(bytes.NewReader(frame)), 4)
	require.ErrorIs(t, err, ErrTooLargeFrame)

	_, _, err = readFrame(bufio.NewReader(bytes.NewReader(frame[:len(frame)-1])), 64)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestTagMetrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	alice := newTestWorker(t, "alice", WithMetricSink(sink), WithMetricLabels([]metrics.Label{{Name: "test", Value: "metrics"}}))
	bob := newTestWorker(t, "bob")
	ep := newTestEndpoint(t, alice, bob, EndpointParams{})

	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, []byte("counted")))

	var sent float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for key, c := range interval.Counters {
			if strings.HasPrefix(key, strings.Join(MetricTagSendBytes, ".")) {
				require.Contains(t, key, "test=metrics")
				sent += c.Sum
			}
		}
		interval.RUnlock()
	}
	require.EqualValues(t, len("counted"), sent)
}
