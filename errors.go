package tagmsg

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg        = errors.New("context: invalid options")
	ErrFeatureDisabled   = errors.New("context: feature was not requested at init")
	ErrBufferSize        = errors.New("worker: could not allocate udp buffer")
	ErrWorkerDestroyed   = errors.New("worker: destroyed")
	ErrNoAdvertiseAddr   = errors.New("worker: no usable address to advertise")
	ErrInvalidAddr       = errors.New("address: malformed worker address")
	ErrFingerprint       = errors.New("tls: peer certificate does not match the address fingerprint")
	ErrProtocolViolation = errors.New("tag: protocol violation")
	ErrTooLargeFrame     = errors.New("tag: frame was too large")
	ErrAllocation        = errors.New("memory: allocation failed")
	ErrUnsupportedMemory = errors.New("memory: memory type is not supported")
)

// Status is the completion status of a substrate operation.
//
// A Status different from StatusOK and StatusInProgress is an error
// and can be matched with errors.Is.
type Status int8

const (
	StatusOK                  Status = 0
	StatusInProgress          Status = 1
	StatusErrNoMessage        Status = -2
	StatusErrNoMemory         Status = -4
	StatusErrInvalidParam     Status = -5
	StatusErrUnreachable      Status = -6
	StatusErrInvalidAddr      Status = -7
	StatusErrMessageTruncated Status = -10
	StatusErrIO               Status = -11
	StatusErrBusy             Status = -15
	StatusErrCanceled         Status = -16
	StatusErrUnsupported      Status = -22
	StatusErrConnectionReset  Status = -25
	StatusErrExceedsLimit     Status = -30
	StatusErrEndpointTimeout  Status = -80
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "Success"
	case StatusInProgress:
		return "Operation in progress"
	case StatusErrNoMessage:
		return "No pending message"
	case StatusErrNoMemory:
		return "Out of memory"
	case StatusErrInvalidParam:
		return "Invalid parameter"
	case StatusErrUnreachable:
		return "Destination is unreachable"
	case StatusErrInvalidAddr:
		return "Address not valid"
	case StatusErrMessageTruncated:
		return "Message truncated"
	case StatusErrIO:
		return "Input/output error"
	case StatusErrBusy:
		return "Device is busy"
	case StatusErrCanceled:
		return "Request canceled"
	case StatusErrUnsupported:
		return "Operation not supported"
	case StatusErrConnectionReset:
		return "Connection reset by remote peer"
	case StatusErrExceedsLimit:
		return "Exceeds limit"
	case StatusErrEndpointTimeout:
		return "Endpoint timeout"
	default:
		return fmt.Sprintf("Unknown status %d", int8(s))
	}
}

func (s Status) Error() string {
	return "tagmsg: " + s.String()
}

// Err returns nil for StatusOK and the status itself otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return s
}

// StatusOf extracts the Status carried by err.
// Errors which do not carry one are reported as StatusErrIO.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusErrIO
}

// statusFromConnErr classifies why a QUIC connection or one of its
// streams stopped working.
func statusFromConnErr(err error) Status {
	var (
		idleErr  *quic.IdleTimeoutError
		hsErr    *quic.HandshakeTimeoutError
		appErr   *quic.ApplicationError
		resetErr *quic.StatelessResetError
		trErr    *quic.TransportError
		strErr   *quic.StreamError
	)

	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &idleErr):
		return StatusErrEndpointTimeout
	case errors.As(err, &hsErr):
		return StatusErrUnreachable
	case errors.Is(err, ErrFingerprint):
		return StatusErrUnreachable
	case errors.As(err, &appErr):
		if appErr.Remote {
			return StatusErrConnectionReset
		}
		return StatusErrCanceled
	case errors.As(err, &resetErr):
		return StatusErrConnectionReset
	case errors.As(err, &trErr):
		if trErr.Remote {
			return StatusErrConnectionReset
		}
		return StatusErrUnreachable
	case errors.As(err, &strErr):
		if strErr.ErrorCode == QErrStreamTooLarge {
			return StatusErrExceedsLimit
		}
		return StatusErrConnectionReset
	case errors.Is(err, context.DeadlineExceeded):
		return StatusErrEndpointTimeout
	case errors.Is(err, context.Canceled):
		return StatusErrCanceled
	case errors.Is(err, ErrWorkerDestroyed):
		return StatusErrCanceled
	default:
		return StatusErrIO
	}
}

// statusFromDialErr classifies why a connection could not be
// established. quic-go reports a handshake nobody answers as an idle
// timeout, the peer is unreachable rather than timed out.
func statusFromDialErr(err error) Status {
	switch status := statusFromConnErr(err); status {
	case StatusErrEndpointTimeout, StatusErrIO:
		return StatusErrUnreachable
	default:
		return status
	}
}

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamTooLarge          = quic.StreamErrorCode(0xFE)
)

var (
	QErrNormalClose = QuicApplicationError{
		Code:   0x0,
		Prefix: "normal close",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrAborted = QuicApplicationError{
		Code:   0x2,
		Prefix: "endpoint aborted",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
