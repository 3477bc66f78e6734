package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/tagmsg/pkg/envelope"
)

// runClient connects to the server, sends it the local address and
// receives the test string.
func (s *session) runClient(ctx context.Context, server []byte) error {
	fault := s.cfg.ErrorMode.Fault

	if _, err := s.lifecycle.Create(server); err != nil {
		return err
	}
	s.transition(StateEndpointReady)

	local, err := s.worker.Address()
	if err != nil {
		return err
	}
	if err := s.sendEnvelope(ctx, local, addressLabel); err != nil {
		return err
	}

	if fault == FaultRecv {
		return s.terminate()
	}

	msg, err := s.probe(ctx, func() error {
		if s.lifecycle.PeerFailed() {
			return fmt.Errorf("%w: %s", ErrPeerDisconnected, s.lifecycle.Status())
		}
		return nil
	})
	if err != nil {
		if fault != FaultNone && errors.Is(err, ErrPeerDisconnected) {
			s.logger.Info("server failure detected", "status", s.lifecycle.Status().String())
			s.faultDetected = true
			return nil
		}
		return err
	}

	if fault == FaultKeepalive {
		return s.terminate()
	}

	payload, err := s.recvEnvelope(ctx, msg, dataLabel)
	if err != nil {
		return err
	}
	if err := envelope.Verify(payload); err != nil {
		return err
	}
	s.received = payload
	s.transition(StatePayloadExchanged)

	fmt.Fprintf(s.cfg.Output,
		"\n\n----- TAG TEST SUCCESS ----\n\n%s\n\n---------------------------\n\n",
		envelope.Printable(payload),
	)
	return nil
}
