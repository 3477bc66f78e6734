package session

import (
	"context"
	"errors"

	"code.hybscloud.com/iox"
	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/completion"
	"github.com/raskyld/tagmsg/pkg/envelope"
)

const (
	// Tag carried by every message of the exchange.
	Tag uint64 = 0x1337a880
	// TagMask matches Tag exactly.
	TagMask uint64 = ^uint64(0)
)

const (
	addressLabel = "address message"
	dataLabel    = "data message"
)

// sendEnvelope sends payload, framed in an envelope, to the endpoint
// and waits for the send to complete.
func (s *session) sendEnvelope(ctx context.Context, payload []byte, label string) error {
	buf, err := envelope.Encode(s.alloc, payload)
	if err != nil {
		s.logger.Error("failed to allocate the envelope", "label", label, "error", err)
		return err
	}
	defer s.alloc.Free(buf)

	req, err := s.lifecycle.Endpoint().TagSend(buf, Tag, &tagmsg.RequestParam{
		Send:       completion.SendHandler(s.logger),
		UserData:   label,
		MemoryType: s.cfg.MemoryType,
	})
	return s.waiter.Wait(ctx, req, err, "send", label)
}

// probe drives the worker until a message carrying Tag arrived and
// removes it from the unexpected queue. guard is checked before each
// attempt and aborts the probe when it errors.
func (s *session) probe(ctx context.Context, guard func() error) (*tagmsg.Message, error) {
	for {
		if guard != nil {
			if err := guard(); err != nil {
				return nil, err
			}
		}

		msg, err := s.worker.TagProbe(Tag, TagMask, true)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return nil, err
		}

		if s.worker.Progress() > 0 {
			continue
		}
		if err := s.strategy.Await(ctx); err != nil {
			return nil, err
		}
	}
}

// recvEnvelope receives msg in a buffer of the announced length and
// returns the payload of the envelope.
func (s *session) recvEnvelope(ctx context.Context, msg *tagmsg.Message, label string) ([]byte, error) {
	info := msg.Info()
	s.logger.Debug("probed a message", "label", label, "length", info.Length)

	buf, err := s.alloc.Alloc(int(info.Length))
	if err != nil {
		s.logger.Error("failed to allocate the receive buffer", "label", label, "error", err)
		return nil, err
	}

	req, err := s.worker.TagMsgRecv(buf, msg, &tagmsg.RequestParam{
		Flags:      tagmsg.FlagNoImmediateCompletion,
		Recv:       completion.RecvHandler(s.logger),
		UserData:   label,
		MemoryType: s.cfg.MemoryType,
	})
	if err := s.waiter.Wait(ctx, req, err, "receive", label); err != nil {
		return nil, err
	}

	return envelope.Decode(buf)
}
