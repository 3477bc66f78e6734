package tagmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateEndpointInvalidAddress(t *testing.T) {
	w := newTestWorker(t, "alice")
	_, err := w.CreateEndpoint(EndpointParams{Address: []byte("not an address")})
	require.ErrorIs(t, err, StatusErrInvalidAddr)
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestEndpointPeerFailure(t *testing.T) {
	tests := []struct {
		name       string
		mode       ErrorHandlingMode
		wantCalled bool
	}{
		{name: "peer mode reports the failure", mode: ErrModePeer, wantCalled: true},
		{name: "none mode stays silent", mode: ErrModeNone, wantCalled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := newTestWorker(t, "alice")
			bob := newTestWorker(t, "bob")

			var (
				called   int
				reported Status
				cell     Status
			)
			ep := newTestEndpoint(t, alice, bob, EndpointParams{
				ErrMode: tt.mode,
				ErrHandler: func(_ *Endpoint, status Status, userData any) {
					called++
					reported = status
					*userData.(*Status) = status
				},
				UserData: &cell,
			})
			require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, []byte("ping")))

			bob.Abort()
			progressUntil(t, alice, func() bool { return ep.Status() != StatusOK })
			require.Equal(t, StatusErrEndpointTimeout, ep.Status())

			if tt.wantCalled {
				require.Equal(t, 1, called)
				require.Equal(t, StatusErrEndpointTimeout, reported)
				require.Equal(t, StatusErrEndpointTimeout, cell)
			} else {
				require.Zero(t, called)
			}

			_, err := ep.TagSend([]byte("anyone?"), testTag, nil)
			require.ErrorIs(t, err, StatusErrEndpointTimeout)

			req, err := ep.Close(CloseGraceful, nil)
			require.Nil(t, req)
			require.ErrorIs(t, err, StatusErrEndpointTimeout)
		})
	}
}

func TestEndpointUnreachable(t *testing.T) {
	alice := newTestWorker(t, "alice")
	ghost := newTestWorker(t, "ghost")
	addr, err := ghost.Address()
	require.NoError(t, err)
	ghost.Abort()

	var reported Status
	ep, err := alice.CreateEndpoint(EndpointParams{
		Address: addr,
		ErrMode: ErrModePeer,
		ErrHandler: func(_ *Endpoint, status Status, _ any) {
			reported = status
		},
	})
	require.NoError(t, err)

	status := StatusInProgress
	_, err = ep.TagSend([]byte("hello?"), testTag, &RequestParam{
		Send: func(_ *Request, s Status, _ any) { status = s },
	})
	require.NoError(t, err)

	progressUntil(t, alice, func() bool { return reported != StatusOK })
	require.Equal(t, StatusErrUnreachable, reported)
	require.Equal(t, StatusErrUnreachable, status, "queued sends fail with the endpoint")
}

func TestEndpointGracefulClose(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob")

	handlerCalled := false
	ep := newTestEndpoint(t, alice, bob, EndpointParams{
		ErrMode:    ErrModePeer,
		ErrHandler: func(*Endpoint, Status, any) { handlerCalled = true },
	})

	sent := StatusInProgress
	_, err := ep.TagSend([]byte("last words"), testTag, &RequestParam{
		Send: func(_ *Request, s Status, _ any) { sent = s },
	})
	require.NoError(t, err)

	closed := StatusInProgress
	req, err := ep.Close(CloseGraceful, &RequestParam{
		Send: func(_ *Request, s Status, _ any) { closed = s },
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, OpClose, req.Kind())

	progressUntil(t, alice, func() bool { return closed != StatusInProgress })
	require.Equal(t, StatusOK, sent, "queued sends complete before the close")
	require.Equal(t, StatusOK, closed)
	require.False(t, handlerCalled, "closing is not a failure")

	req, err = ep.Close(CloseGraceful, nil)
	require.NoError(t, err)
	require.Nil(t, req, "closing twice is a no-op")

	msg := probeUntil(t, bob, testTag, ^uint64(0), true)
	require.EqualValues(t, len("last words"), msg.Info().Length)
}

func TestEndpointForceClose(t *testing.T) {
	alice := newTestWorker(t, "alice")
	bob := newTestWorker(t, "bob")

	handlerCalled := false
	ep := newTestEndpoint(t, alice, bob, EndpointParams{
		ErrMode:    ErrModePeer,
		ErrHandler: func(*Endpoint, Status, any) { handlerCalled = true },
	})
	require.Equal(t, StatusOK, sendAndWait(t, alice, ep, testTag, []byte("bye")))

	req, err := ep.Close(CloseForce, nil)
	require.NoError(t, err)
	require.Nil(t, req, "forced close completes in place")

	_, err = ep.Flush(nil)
	require.ErrorIs(t, err, StatusErrCanceled)

	for range 10 {
		alice.Progress()
	}
	require.False(t, handlerCalled)
}
