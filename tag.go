package tagmsg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	"code.hybscloud.com/iox"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a tagged message which arrived on a worker and has not
// been received yet.
type Message struct {
	tag      uint64
	data     []byte
	from     net.Addr
	consumed bool
}

// Info describes the matched message.
func (m *Message) Info() TagRecvInfo {
	return TagRecvInfo{
		SenderTag: m.tag,
		Length:    uint64(len(m.data)),
	}
}

// From returns the address of the connection the message came from.
func (m *Message) From() net.Addr {
	return m.from
}

// TagProbe looks for an arrived message whose tag matches tag on the
// bits set in mask. When remove is true the message is taken out of
// the unexpected queue and must be received with TagMsgRecv.
//
// Non-blocking: returns iox.ErrWouldBlock when nothing matches.
// Messages only become visible after a call to Progress.
func (w *Worker) TagProbe(tag, mask uint64, remove bool) (*Message, error) {
	if !w.ctx.has(FeatureTag) {
		return nil, ErrFeatureDisabled
	}

	for i, msg := range w.unexpected {
		if msg.tag&mask != tag&mask {
			continue
		}
		if remove {
			w.unexpected = slices.Delete(w.unexpected, i, i+1)
		}
		return msg, nil
	}
	return nil, iox.ErrWouldBlock
}

// TagMsgRecv copies a probed message into buf.
//
// Without FlagNoImmediateCompletion the receive completes in place and
// TagMsgRecv returns a nil request. Otherwise the returned request
// completes, and its callback runs, on the next call to Progress.
func (w *Worker) TagMsgRecv(buf []byte, msg *Message, param *RequestParam) (*Request, error) {
	switch {
	case msg == nil || msg.consumed:
		return nil, StatusErrInvalidParam
	case param != nil && param.MemoryType != MemoryHost:
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMemory, StatusErrUnsupported)
	}

	msg.consumed = true
	if i := slices.Index(w.unexpected, msg); i >= 0 {
		w.unexpected = slices.Delete(w.unexpected, i, i+1)
	}

	if len(buf) < len(msg.data) {
		w.msink.IncrCounterWithLabels(
			MetricTagRecvErrorCount,
			1.0,
			withLabels(w.mLabels, LabelError.M("truncated")),
		)
		return nil, StatusErrMessageTruncated
	}
	copy(buf, msg.data)

	if !param.has(FlagNoImmediateCompletion) {
		return nil, nil
	}

	req := w.newRequest(OpRecv, param)
	req.info = msg.Info()
	w.complete(req, StatusOK)
	return req, nil
}

// appendFrame encodes a tagged message as
// varint(tag) | varint(len(payload)) | payload.
func appendFrame(b []byte, tag uint64, payload []byte) []byte {
	b = protowire.AppendVarint(b, tag)
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

func readFrame(r *bufio.Reader, limit uint64) (uint64, []byte, error) {
	tag, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, frameErr(err)
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, frameErr(err)
	}
	if size > limit {
		return 0, nil, fmt.Errorf("%w: %d bytes announced, limit is %d", ErrTooLargeFrame, size, limit)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, frameErr(err)
	}
	return tag, payload, nil
}

func frameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated frame", ErrProtocolViolation)
	}
	return err
}
