package tagmsg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const ackDelivered byte = 0x1

var errNoWakeup = fmt.Errorf("%w: %w", ErrFeatureDisabled, StatusErrUnsupported)

type eventKind uint8

const (
	evMessage eventKind = iota + 1
	evCompletion
	evEndpointFailure
)

// event is produced by network goroutines and consumed by Progress.
type event struct {
	kind   eventKind
	msg    *Message
	req    *Request
	ep     *Endpoint
	status Status
}

// Worker owns a QUIC listener and the progress engine of the
// endpoints created from it.
//
// All methods but Abort, Destroy and EventFD must be called from a
// single goroutine: the one driving Progress. Callbacks are only ever
// invoked from Progress.
type Worker struct {
	ctx     *Context
	id      uuid.UUID
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	ident   *identity
	local   *Address

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	closeCh      chan struct{}
	wg           sync.WaitGroup

	// events pushed by network goroutines
	evLock sync.Mutex
	events []event
	armed  bool
	efd    int
	wakeCh chan struct{}

	// owned by the progress goroutine
	unexpected []*Message
	pool       []*Request
	endpoints  map[*Endpoint]struct{}

	connLock sync.Mutex
	inbound  map[quic.Connection]struct{}

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// NewWorker allocates the sockets of a new worker and starts accepting
// connections from remote endpoints.
func (c *Context) NewWorker() (w *Worker, err error) {
	if !c.has(FeatureTag) {
		return nil, ErrFeatureDisabled
	}

	w = &Worker{
		ctx:       c,
		id:        uuid.New(),
		msink:     c.msink,
		closeCh:   make(chan struct{}),
		efd:       -1,
		wakeCh:    make(chan struct{}, 1),
		endpoints: make(map[*Endpoint]struct{}),
		inbound:   make(map[quic.Connection]struct{}),
	}
	w.logger = c.logger.With(LabelWorker.L(w.id.String()))
	w.mLabels = withLabels(c.cfg.MetricLabels, LabelWorker.M(w.id.String()))

	defer func() {
		if err != nil {
			w.Destroy()
		}
	}()

	if err = c.register(w); err != nil {
		return nil, err
	}

	w.ident, err = newIdentity(w.id.String())
	if err != nil {
		return nil, err
	}

	var bindIP net.IP
	if c.cfg.BindAddr != "" {
		bindIP = net.ParseIP(c.cfg.BindAddr)
		if bindIP == nil {
			return nil, fmt.Errorf("%w: bind address %q is not an IP", ErrInvalidCfg, c.cfg.BindAddr)
		}
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: c.cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("worker: failed to allocate UDP listener: %w", err)
	}
	w.udpLn = udpLn

	if err = w.negociateBufferSize(c.cfg.BufferSize); err != nil {
		return nil, err
	}

	w.tr = &quic.Transport{
		Conn: udpLn,
	}

	w.ln, err = w.tr.Listen(w.ident.serverConfig(), w.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("worker: failed to allocate QUIC listener: %w", err)
	}

	ips, err := advertiseIPs(bindIP, c.cfg.AdvertiseAddrs)
	if err != nil {
		return nil, err
	}

	w.local = &Address{
		WorkerID:    w.id,
		Name:        c.cfg.Name,
		Fingerprint: w.ident.fingerprint,
		Port:        udpLn.LocalAddr().(*net.UDPAddr).Port,
		IPs:         ips,
	}

	w.wg.Add(1)
	go w.acceptConns()

	w.logger.Info("worker listening", "addr", w.local)
	return w, nil
}

func (w *Worker) quicConfig() *quic.Config {
	cfg := w.ctx.cfg
	return &quic.Config{
		HandshakeIdleTimeout:  cfg.HandshakeTimeout,
		MaxIdleTimeout:        cfg.MaxIdleTimeout,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIncomingStreams:    1024,
		MaxIncomingUniStreams: -1,
	}
}

// ID returns the worker identifier published in its address.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Address returns the opaque blob peers need to create an endpoint
// towards this worker.
func (w *Worker) Address() ([]byte, error) {
	if w.gracefulTerm.Load() {
		return nil, ErrWorkerDestroyed
	}
	return w.local.Marshal(), nil
}

// LocalAddr returns the UDP address the worker listens on.
func (w *Worker) LocalAddr() net.Addr {
	return w.udpLn.LocalAddr()
}

// Progress dispatches every pending event: arrived messages are queued
// for TagProbe, completed requests and failed endpoints have their
// callbacks invoked. It returns the number of dispatched events.
func (w *Worker) Progress() int {
	w.evLock.Lock()
	evs := w.events
	w.events = nil
	w.evLock.Unlock()

	for _, ev := range evs {
		switch ev.kind {
		case evMessage:
			w.unexpected = append(w.unexpected, ev.msg)
		case evCompletion:
			ev.req.complete(ev.status)
		case evEndpointFailure:
			ev.ep.handleFailure(ev.status)
		}
	}

	if n := len(evs); n > 0 {
		w.msink.AddSampleWithLabels(MetricProgressEvents, float32(n), w.mLabels)
	}
	return len(evs)
}

// Wait blocks until an event is pending. It may return because of
// events which do not concern the caller, which must re-check its
// condition after calling Progress.
func (w *Worker) Wait(ctx context.Context) error {
	if !w.ctx.has(FeatureWakeup) {
		return errNoWakeup
	}

	w.evLock.Lock()
	pending := len(w.events) > 0
	w.evLock.Unlock()
	if pending {
		return nil
	}

	select {
	case <-w.wakeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return ErrWorkerDestroyed
	}
}

// Arm requests a signal on the event descriptor for the next event.
// It returns StatusErrBusy when events are already pending, in which
// case the caller must call Progress instead of blocking.
func (w *Worker) Arm() error {
	if !w.ctx.has(FeatureWakeup) {
		return errNoWakeup
	}

	w.evLock.Lock()
	defer w.evLock.Unlock()
	if len(w.events) > 0 {
		return StatusErrBusy
	}
	if w.efd >= 0 {
		drainEventFD(w.efd)
	}
	w.armed = true
	return nil
}

// EventFD returns a descriptor which becomes readable when the worker
// is armed and an event arrives.
func (w *Worker) EventFD() (int, error) {
	if !w.ctx.has(FeatureWakeup) {
		return -1, errNoWakeup
	}

	w.evLock.Lock()
	defer w.evLock.Unlock()
	if w.efd < 0 {
		fd, err := newEventFD()
		if err != nil {
			return -1, err
		}
		w.efd = fd
	}
	return w.efd, nil
}

func (w *Worker) push(evs ...event) {
	w.evLock.Lock()
	w.events = append(w.events, evs...)
	if w.armed {
		w.armed = false
		if w.efd >= 0 {
			signalEventFD(w.efd)
		}
	}
	w.evLock.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) complete(req *Request, status Status) {
	w.push(event{kind: evCompletion, req: req, status: status})
}

// Destroy closes every endpoint and connection of the worker and
// releases its sockets. It is idempotent.
func (w *Worker) Destroy() {
	if !w.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already destroyed
		return
	}
	close(w.closeCh)

	for ep := range w.endpoints {
		ep.abort(&QErrShutdown, "worker destroyed")
	}
	clear(w.endpoints)

	if w.ln != nil {
		w.ln.Close()
	}

	w.connLock.Lock()
	for conn := range w.inbound {
		QErrShutdown.Close(conn, "worker destroyed")
	}
	w.connLock.Unlock()

	if w.tr != nil {
		w.tr.Close()
	}

	if w.udpLn != nil {
		w.udpLn.Close()
	}

	w.wg.Wait()

	w.evLock.Lock()
	if w.efd >= 0 {
		closeEventFD(w.efd)
		w.efd = -1
	}
	w.evLock.Unlock()

	w.ctx.unregister(w)
	w.logger.Debug("worker destroyed")
}

// Abort destroys the worker without letting its peers know, as if the
// process had been killed.
func (w *Worker) Abort() {
	if w.udpLn != nil {
		w.udpLn.Close()
	}
	w.Destroy()
}

func (w *Worker) negociateBufferSize(requested int) error {
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	size := requested
	for size > 0 {
		if err := w.udpLn.SetReadBuffer(size); err != nil {
			if w.ctx.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			w.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		w.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			w.mLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (w *Worker) acceptConns() {
	defer w.wg.Done()
	for {
		conn, err := w.ln.Accept(context.Background())
		if err != nil {
			if !w.gracefulTerm.Load() {
				w.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		w.connLock.Lock()
		if w.gracefulTerm.Load() {
			w.connLock.Unlock()
			QErrShutdown.Close(conn, "worker destroyed")
			return
		}
		w.inbound[conn] = struct{}{}
		w.connLock.Unlock()

		w.msink.IncrCounterWithLabels(
			MetricConnEstCount,
			1.0,
			withLabels(w.mLabels, LabelPeerAddr.M(conn.RemoteAddr().String())),
		)

		w.wg.Add(1)
		go w.handleStreams(conn)
	}
}

func (w *Worker) handleStreams(conn quic.Connection) {
	defer w.wg.Done()
	defer func() {
		w.connLock.Lock()
		delete(w.inbound, conn)
		w.connLock.Unlock()
	}()

	remoteAddr := conn.RemoteAddr()
	logger := w.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	logger.Debug("accepted connection")

	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			if w.gracefulTerm.Load() {
				return
			}
			cause := context.Cause(conn.Context())
			logger.Debug("inbound connection ended", LabelError.L(cause))
			if status := statusFromConnErr(cause); status != StatusErrCanceled && status != StatusOK {
				w.msink.IncrCounterWithLabels(
					MetricConnErrorCount,
					1.0,
					withLabels(w.mLabels, LabelStatus.M(status.String())),
				)
			}
			return
		}

		w.wg.Add(1)
		go w.readMessage(stream, remoteAddr, logger.With(LabelStreamID.L(stream.StreamID())))
	}
}

// readMessage reads one tagged frame, hands it to the progress engine
// and acknowledges the delivery to the sender.
func (w *Worker) readMessage(stream quic.Stream, from net.Addr, logger *slog.Logger) {
	defer w.wg.Done()
	mLabels := withLabels(w.mLabels, LabelPeerAddr.M(from.String()))

	tag, payload, err := readFrame(bufio.NewReader(stream), w.ctx.cfg.MaxMessageSize)
	if err != nil {
		reason := "broken_stream"
		switch {
		case errors.Is(err, ErrTooLargeFrame):
			reason = "too_large"
			stream.CancelRead(QErrStreamTooLarge)
			stream.CancelWrite(QErrStreamTooLarge)
		case errors.Is(err, ErrProtocolViolation):
			reason = "protocol_violation"
			stream.CancelRead(QErrStreamProtocolViolation)
			stream.CancelWrite(QErrStreamProtocolViolation)
		}
		if !w.gracefulTerm.Load() {
			logger.Warn("could not read tagged message", LabelError.L(err))
		}
		w.msink.IncrCounterWithLabels(
			MetricTagRecvErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M(reason)),
		)
		return
	}

	w.push(event{
		kind: evMessage,
		msg: &Message{
			tag:  tag,
			data: payload,
			from: from,
		},
	})
	w.msink.IncrCounterWithLabels(MetricTagRecvBytes, float32(len(payload)), mLabels)
	logger.Debug("tagged message delivered", LabelTag.L(tag), "length", len(payload))

	if _, err := stream.Write([]byte{ackDelivered}); err != nil {
		logger.Debug("could not acknowledge message", LabelError.L(err))
	}
	stream.Close()
}
