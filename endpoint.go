package tagmsg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// ErrorHandlingMode selects whether peer failures are reported to the
// application.
type ErrorHandlingMode uint8

const (
	// ErrModeNone fails operations of a broken endpoint but never
	// invokes its error handler.
	ErrModeNone ErrorHandlingMode = iota
	// ErrModePeer invokes the error handler once when the peer is
	// detected as failed.
	ErrModePeer
)

func (m ErrorHandlingMode) String() string {
	switch m {
	case ErrModeNone:
		return "none"
	case ErrModePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// ErrorHandler is invoked from Progress when an endpoint created with
// ErrModePeer fails.
type ErrorHandler func(ep *Endpoint, status Status, userData any)

// EndpointParams describes the endpoint to create.
type EndpointParams struct {
	// Address of the remote worker, as returned by its Address method.
	Address    []byte
	ErrMode    ErrorHandlingMode
	ErrHandler ErrorHandler
	UserData   any
}

type epOp struct {
	kind  OpKind
	req   *Request
	frame []byte
	size  int
}

// Endpoint is a connection to a remote worker.
type Endpoint struct {
	w          *Worker
	peer       *Address
	errMode    ErrorHandlingMode
	errHandler ErrorHandler
	userData   any
	logger     *slog.Logger
	mLabels    []metrics.Label

	ctx    context.Context
	cancel context.CancelFunc

	opsLock    sync.Mutex
	ops        []epOp
	opsCh      chan struct{}
	dead       bool
	deadStatus Status

	connLock sync.Mutex
	conn     quic.Connection

	// owned by the progress goroutine
	status Status
	closed bool
}

// CreateEndpoint starts connecting to the worker identified by
// params.Address. The connection is established in the background:
// operations issued in the meantime are queued.
func (w *Worker) CreateEndpoint(params EndpointParams) (*Endpoint, error) {
	if w.gracefulTerm.Load() {
		return nil, ErrWorkerDestroyed
	}

	peer, err := ParseAddress(params.Address)
	if err != nil {
		w.msink.IncrCounterWithLabels(
			MetricEndpointCreateCount,
			1.0,
			withLabels(w.mLabels, LabelError.M("invalid_address")),
		)
		return nil, fmt.Errorf("%w: %w", StatusErrInvalidAddr, err)
	}

	ep := &Endpoint{
		w:          w,
		peer:       peer,
		errMode:    params.ErrMode,
		errHandler: params.ErrHandler,
		userData:   params.UserData,
		opsCh:      make(chan struct{}, 1),
		logger:     w.logger.With(LabelEndpoint.L(peer.WorkerID.String())),
		mLabels:    withLabels(w.mLabels, LabelEndpoint.M(peer.WorkerID.String())),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	w.endpoints[ep] = struct{}{}

	w.wg.Add(1)
	go ep.run()

	w.msink.IncrCounterWithLabels(MetricEndpointCreateCount, 1.0, ep.mLabels)
	ep.logger.Debug("endpoint created", "peer", peer, "err_mode", params.ErrMode.String())
	return ep, nil
}

// Peer returns the address the endpoint connects to.
func (ep *Endpoint) Peer() *Address {
	return ep.peer
}

// Status returns StatusOK until a failure of the endpoint has been
// dispatched by Progress.
func (ep *Endpoint) Status() Status {
	return ep.status
}

// TagSend sends buf to the remote worker with the given tag. The
// returned request completes once the remote worker acknowledged the
// delivery of the message.
func (ep *Endpoint) TagSend(buf []byte, tag uint64, param *RequestParam) (*Request, error) {
	if err := ep.usable(); err != nil {
		return nil, err
	}
	if param != nil && param.MemoryType != MemoryHost {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMemory, StatusErrUnsupported)
	}
	if uint64(len(buf)) > ep.w.ctx.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %w", ErrTooLargeFrame, StatusErrExceedsLimit)
	}

	req := ep.w.newRequest(OpSend, param)
	ep.enqueue(epOp{
		kind:  OpSend,
		req:   req,
		frame: appendFrame(nil, tag, buf),
		size:  len(buf),
	})
	return req, nil
}

// Flush returns a request completing once every send issued before it
// has completed.
func (ep *Endpoint) Flush(param *RequestParam) (*Request, error) {
	if err := ep.usable(); err != nil {
		return nil, err
	}

	req := ep.w.newRequest(OpFlush, param)
	ep.enqueue(epOp{kind: OpFlush, req: req})
	return req, nil
}

// Close releases the endpoint. A graceful close returns a request
// completing once queued sends are done and the peer was notified;
// CloseForce drops the connection at once and completes in place.
// Closing twice is a no-op.
func (ep *Endpoint) Close(flag CloseFlag, param *RequestParam) (*Request, error) {
	if ep.closed {
		return nil, nil
	}
	ep.closed = true
	delete(ep.w.endpoints, ep)

	if flag == CloseForce {
		ep.abort(&QErrAborted, "forced close")
		ep.logger.Debug("endpoint closed", "mode", "force")
		return nil, nil
	}

	if ep.status != StatusOK {
		ep.abort(&QErrAborted, "endpoint failed")
		return nil, ep.status
	}

	req := ep.w.newRequest(OpClose, param)
	ep.enqueue(epOp{kind: OpClose, req: req})
	ep.logger.Debug("endpoint closing", "mode", "graceful")
	return req, nil
}

func (ep *Endpoint) usable() error {
	switch {
	case ep.w.gracefulTerm.Load():
		return fmt.Errorf("%w: %w", ErrWorkerDestroyed, StatusErrCanceled)
	case ep.closed:
		return StatusErrCanceled
	case ep.status != StatusOK:
		return ep.status
	}
	return nil
}

func (ep *Endpoint) handleFailure(status Status) {
	if ep.status == StatusOK {
		ep.status = status
	}
	if ep.closed {
		return
	}
	if ep.errMode == ErrModePeer && ep.errHandler != nil {
		ep.errHandler(ep, status, ep.userData)
	}
}

func (ep *Endpoint) abort(qerr *QuicApplicationError, msg string) {
	ep.cancel()
	ep.connLock.Lock()
	conn := ep.conn
	ep.connLock.Unlock()
	if conn != nil {
		qerr.Close(conn, msg)
	}
}

func (ep *Endpoint) enqueue(op epOp) {
	ep.opsLock.Lock()
	if ep.dead {
		status := ep.deadStatus
		ep.opsLock.Unlock()
		ep.w.complete(op.req, status)
		return
	}
	ep.ops = append(ep.ops, op)
	ep.opsLock.Unlock()

	select {
	case ep.opsCh <- struct{}{}:
	default:
	}
}

func (ep *Endpoint) nextOp() (epOp, bool) {
	ep.opsLock.Lock()
	defer ep.opsLock.Unlock()
	if len(ep.ops) == 0 {
		return epOp{}, false
	}
	op := ep.ops[0]
	ep.ops = ep.ops[1:]
	return op, true
}

// terminate fails every queued operation with status and refuses new
// ones. It reports false when the endpoint was already terminated.
func (ep *Endpoint) terminate(status Status) ([]event, bool) {
	ep.opsLock.Lock()
	defer ep.opsLock.Unlock()
	if ep.dead {
		return nil, false
	}
	ep.dead = true
	ep.deadStatus = status

	evs := make([]event, 0, len(ep.ops)+1)
	for _, op := range ep.ops {
		evs = append(evs, event{kind: evCompletion, req: op.req, status: status})
	}
	ep.ops = nil
	return evs, true
}

func (ep *Endpoint) fail(status Status, err error) {
	evs, first := ep.terminate(status)
	if !first {
		return
	}
	ep.w.push(append(evs, event{kind: evEndpointFailure, ep: ep, status: status})...)

	if ep.ctx.Err() == nil {
		ep.logger.Warn("endpoint failed", LabelStatus.L(status.String()), LabelError.L(err))
		ep.w.msink.IncrCounterWithLabels(
			MetricEndpointFailureCount,
			1.0,
			withLabels(ep.mLabels, LabelStatus.M(status.String())),
		)
	}
}

func (ep *Endpoint) run() {
	defer ep.w.wg.Done()

	conn, err := ep.dial()
	if err != nil {
		status := StatusErrCanceled
		if ep.ctx.Err() == nil {
			status = statusFromDialErr(err)
		}
		ep.fail(status, err)
		return
	}

	ep.connLock.Lock()
	if ep.ctx.Err() != nil {
		ep.connLock.Unlock()
		QErrAborted.Close(conn, "endpoint closed while connecting")
		ep.fail(StatusErrCanceled, ep.ctx.Err())
		return
	}
	ep.conn = conn
	ep.connLock.Unlock()

	ep.w.msink.IncrCounterWithLabels(MetricEndpointConnectedCount, 1.0, ep.mLabels)
	ep.logger.Debug("endpoint connected", LabelPeerAddr.L(conn.RemoteAddr().String()))

	for {
		op, ok := ep.nextOp()
		if !ok {
			select {
			case <-ep.opsCh:
				continue
			case <-conn.Context().Done():
				ep.fail(ep.classify(conn, nil), context.Cause(conn.Context()))
				return
			case <-ep.ctx.Done():
				ep.fail(StatusErrCanceled, ep.ctx.Err())
				return
			}
		}

		switch op.kind {
		case OpSend:
			if err := ep.transmit(conn, op.frame); err != nil {
				status := ep.classify(conn, err)
				ep.w.msink.IncrCounterWithLabels(
					MetricTagSendErrorCount,
					1.0,
					withLabels(ep.mLabels, LabelStatus.M(status.String())),
				)
				ep.w.complete(op.req, status)
				ep.fail(status, err)
				return
			}
			ep.w.msink.IncrCounterWithLabels(MetricTagSendBytes, float32(op.size), ep.mLabels)
			ep.w.complete(op.req, StatusOK)
		case OpFlush:
			ep.w.complete(op.req, StatusOK)
		case OpClose:
			QErrNormalClose.Close(conn, "endpoint closed")
			ep.terminate(StatusErrCanceled)
			ep.w.complete(op.req, StatusOK)
			ep.cancel()
			return
		}
	}
}

// dial tries every IP of the peer address in order.
func (ep *Endpoint) dial() (quic.Connection, error) {
	tlsConf := ep.w.ident.clientConfig(ep.peer.Fingerprint)
	var errs []error
	for _, addr := range ep.peer.candidates() {
		conn, err := ep.w.tr.Dial(ep.ctx, addr, tlsConf, ep.w.quicConfig())
		if err == nil {
			return conn, nil
		}
		if ep.ctx.Err() != nil {
			return nil, ep.ctx.Err()
		}
		ep.logger.Debug("could not reach peer candidate", LabelPeerAddr.L(addr.String()), LabelError.L(err))
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (ep *Endpoint) transmit(conn quic.Connection, frame []byte) error {
	stream, err := conn.OpenStreamSync(ep.ctx)
	if err != nil {
		return err
	}

	if _, err := stream.Write(frame); err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}

	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		return err
	}
	if ack[0] != ackDelivered {
		return fmt.Errorf("%w: unexpected acknowledgement 0x%x", ErrProtocolViolation, ack[0])
	}
	return nil
}

func (ep *Endpoint) classify(conn quic.Connection, err error) Status {
	if ep.ctx.Err() != nil {
		return StatusErrCanceled
	}
	if conn.Context().Err() != nil {
		return statusFromConnErr(context.Cause(conn.Context()))
	}
	return statusFromConnErr(err)
}
