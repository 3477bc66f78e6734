// Package tagmsg is a small tag-matched messaging substrate, built on
// top of QUIC, with an explicit progress engine.
//
// A `Context` is initialised once per process with the features the
// application needs. It creates `Worker`s, each owning a UDP socket
// and a QUIC listener. Peers exchange the opaque blob returned by
// `Worker.Address` out-of-band, then create an `Endpoint` towards each
// other.
//
// ## How it works
//
// Operations never block. They either complete in place, fail in
// place, or return a `Request` which completes later. Network I/O
// happens on internal goroutines, but they only queue events: nothing
// reaches the application before it calls `Worker.Progress`, which
// dispatches arrived messages and runs completion and failure
// callbacks on the calling goroutine.
//
// To avoid spinning, an application can block with `Worker.Wait`, or
// `Worker.Arm` the worker and sleep on the descriptor returned by
// `Worker.EventFD` (Linux only).
//
// Tagged messages travel on their own QUIC stream. The receiving
// worker acknowledges a message once it is queued, so a send request
// only completes when the message reached the remote worker.
//
// ## Failure detection
//
// Endpoints keep their connection alive with QUIC keep-alives. A peer
// which stops answering for `Config.MaxIdleTimeout` is declared failed
// and, for endpoints created with `ErrModePeer`, the `ErrorHandler` is
// invoked from `Progress` with the failure `Status`.
package tagmsg
