package tagmsg

// OpKind is the kind of operation a Request tracks.
type OpKind uint8

const (
	OpSend OpKind = iota + 1
	OpRecv
	OpFlush
	OpClose
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpFlush:
		return "flush"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// OpFlag alters how an operation completes.
type OpFlag uint32

const (
	// FlagNoImmediateCompletion forces the operation to return a
	// pending Request even when it could complete in place.
	FlagNoImmediateCompletion OpFlag = 1 << iota
)

// CloseFlag selects how an endpoint is closed.
type CloseFlag uint32

const (
	// CloseGraceful waits for queued sends then closes the connection.
	CloseGraceful CloseFlag = iota
	// CloseForce drops the connection immediately, without notifying
	// queued operations' peers.
	CloseForce
)

// TagRecvInfo describes a matched message.
type TagRecvInfo struct {
	SenderTag uint64
	Length    uint64
}

// SendCallback is invoked from Progress when a send, flush or close
// request completes.
type SendCallback func(req *Request, status Status, userData any)

// RecvCallback is invoked from Progress when a receive request
// completes.
type RecvCallback func(req *Request, status Status, info TagRecvInfo, userData any)

// RequestParam carries the optional arguments of non-blocking
// operations.
type RequestParam struct {
	Flags      OpFlag
	Send       SendCallback
	Recv       RecvCallback
	UserData   any
	MemoryType MemoryType
}

func (p *RequestParam) has(flag OpFlag) bool {
	return p != nil && p.Flags&flag == flag
}

// Request is the token returned by operations which could not complete
// immediately. It must be released with Free once observed completed.
type Request struct {
	w      *Worker
	kind   OpKind
	status Status
	info   TagRecvInfo
	priv   any
	param  RequestParam
	freed  bool
	done   bool
}

// Kind returns the operation tracked by the request.
func (r *Request) Kind() OpKind {
	return r.kind
}

// Status reports StatusInProgress until the request completed.
func (r *Request) Status() Status {
	return r.status
}

// Private returns the area produced by the context request-init hook.
func (r *Request) Private() any {
	return r.priv
}

// Free releases the request. Freeing a request which is still in
// progress defers the release to its completion.
func (r *Request) Free() {
	if r.freed {
		return
	}
	r.freed = true
	if r.done {
		r.w.releaseRequest(r)
	}
}

// complete runs on the progress goroutine.
func (r *Request) complete(status Status) {
	if r.done {
		return
	}
	r.done = true
	r.status = status

	switch {
	case r.kind == OpRecv && r.param.Recv != nil:
		r.param.Recv(r, status, r.info, r.param.UserData)
	case r.kind != OpRecv && r.param.Send != nil:
		r.param.Send(r, status, r.param.UserData)
	}

	if r.freed {
		r.w.releaseRequest(r)
	}
}

func (w *Worker) newRequest(kind OpKind, param *RequestParam) *Request {
	var req *Request
	if n := len(w.pool); n > 0 {
		req = w.pool[n-1]
		w.pool = w.pool[:n-1]
	} else {
		req = &Request{w: w}
	}

	req.kind = kind
	req.status = StatusInProgress
	req.info = TagRecvInfo{}
	req.freed = false
	req.done = false
	req.param = RequestParam{}
	if param != nil {
		req.param = *param
	}
	req.priv = nil
	if w.ctx.cfg.RequestInit != nil {
		req.priv = w.ctx.cfg.RequestInit()
	}
	return req
}

func (w *Worker) releaseRequest(r *Request) {
	r.param = RequestParam{}
	r.priv = nil
	w.pool = append(w.pool, r)
}
