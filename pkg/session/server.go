package session

import (
	"context"
	"time"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/completion"
	"github.com/raskyld/tagmsg/pkg/envelope"
)

// runServer receives the client address, connects back and sends it
// the test string.
func (s *session) runServer(ctx context.Context) error {
	fault := s.cfg.ErrorMode.Fault

	msg, err := s.probe(ctx, nil)
	if err != nil {
		return err
	}
	peer, err := s.recvEnvelope(ctx, msg, addressLabel)
	if err != nil {
		return err
	}
	s.logger.Info("received the client address", "length", len(peer))

	if fault == FaultSend {
		return s.terminate()
	}

	if _, err := s.lifecycle.Create(peer); err != nil {
		if fault != FaultNone {
			s.logger.Info("endpoint creation failed, client is gone", "error", err)
			s.faultDetected = true
			return nil
		}
		return err
	}
	s.transition(StateEndpointReady)

	payload := envelope.TestString(s.cfg.Length)
	s.logger.Info("test string to be sent", "payload", envelope.Printable(payload))

	if fault == FaultRecv {
		s.logger.Info("waiting for the client to go away", "grace", s.cfg.RecvFaultGrace)
		select {
		case <-time.After(s.cfg.RecvFaultGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.worker.Progress()
	if err := s.sendEnvelope(ctx, payload, dataLabel); err != nil {
		if fault == FaultNone {
			return err
		}
		s.logger.Info("send failed, waiting for the failure to be reported", "error", err)
		return s.awaitPeerFailure(ctx)
	}
	s.transition(StatePayloadExchanged)

	if fault != FaultNone {
		return s.awaitPeerFailure(ctx)
	}

	return s.flush(ctx)
}

func (s *session) flush(ctx context.Context) error {
	req, err := s.lifecycle.Endpoint().Flush(&tagmsg.RequestParam{
		Send:     completion.SendHandler(s.logger),
		UserData: "endpoint flush",
	})
	return s.waiter.Wait(ctx, req, err, "flush", "endpoint")
}

// awaitPeerFailure waits for the failure of the client, then still
// flushes the endpoint. The flush outcome is only reported.
func (s *session) awaitPeerFailure(ctx context.Context) error {
	if err := s.lifecycle.AwaitPeerFailure(ctx); err != nil {
		return err
	}
	s.logger.Info("peer failure detected", "status", s.lifecycle.Status().String())
	s.faultDetected = true

	err := s.flush(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Info("endpoint flushed after peer failure", "status", tagmsg.StatusOf(err).String())
	return nil
}
