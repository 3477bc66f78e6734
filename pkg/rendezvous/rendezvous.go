// Package rendezvous implements the out-of-band TCP channel two peers
// use to exchange their substrate addresses and to synchronise before
// tearing down.
package rendezvous

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"
)

// MaxAddressLength bounds the address accepted by RecvAddress.
const MaxAddressLength = 1 << 16

const barrierPoll = time.Millisecond

var (
	ErrResolution      = errors.New("rendezvous: could not resolve address")
	ErrBind            = errors.New("rendezvous: could not bind socket")
	ErrListen          = errors.New("rendezvous: could not listen")
	ErrAccept          = errors.New("rendezvous: could not accept connection")
	ErrConnect         = errors.New("rendezvous: could not connect")
	ErrBarrier         = errors.New("rendezvous: barrier failed")
	ErrShortTransfer   = errors.New("rendezvous: short transfer")
	ErrAddressTooLarge = errors.New("rendezvous: announced address is too large")
)

// Family is the IP family used by the channel.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (f Family) network() string {
	if f == FamilyIPv6 {
		return "tcp6"
	}
	return "tcp4"
}

func (f Family) ipNetwork() string {
	if f == FamilyIPv6 {
		return "ip6"
	}
	return "ip4"
}

func (f Family) wildcard() net.IP {
	if f == FamilyIPv6 {
		return net.IPv6unspecified
	}
	return net.IPv4zero
}

type config struct {
	logHandler slog.Handler
	onListen   func(net.Addr)
}

// Option to pass to `ListenAndAccept` and `Dial`
type Option func(*config)

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

// WithOnListen registers a function called with the bound address once
// the listener is ready to accept.
func WithOnListen(fn func(net.Addr)) Option {
	return func(c *config) {
		c.onListen = fn
	}
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

// Channel is an established rendezvous connection.
type Channel struct {
	conn   net.Conn
	br     *bufio.Reader
	logger *slog.Logger
}

// ListenAndAccept listens on port for the given family, accepts exactly
// one peer and closes the listening socket.
func ListenAndAccept(ctx context.Context, port uint16, family Family, opts ...Option) (*Channel, error) {
	cfg := newConfig(opts)
	logger := cfg.logger().With("family", family.String())

	addr := net.JoinHostPort(family.wildcard().String(), strconv.Itoa(int(port)))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, family.network(), addr)
	if err != nil {
		if isBindErr(err) {
			return nil, fmt.Errorf("%w: %w", ErrBind, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	defer ln.Close()

	logger.Info("waiting for connection", "addr", ln.Addr().String())
	if cfg.onListen != nil {
		cfg.onListen(ln.Addr())
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAccept, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrAccept, err)
	}

	logger.Info("accepted rendezvous connection", "remote", conn.RemoteAddr().String())
	return newChannel(conn, logger), nil
}

// Dial resolves host for the given family and connects to the first
// candidate which accepts.
func Dial(ctx context.Context, host string, port uint16, family Family, opts ...Option) (*Channel, error) {
	cfg := newConfig(opts)
	logger := cfg.logger().With("family", family.String())

	ips, err := net.DefaultResolver.LookupIP(ctx, family.ipNetwork(), host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no %s address for %q", ErrResolution, family, host)
	}

	var (
		dialer net.Dialer
		errs   []error
	)
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		conn, err := dialer.DialContext(ctx, family.network(), addr)
		if err != nil {
			logger.Debug("could not connect to candidate", "addr", addr, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("connected to rendezvous peer", "remote", conn.RemoteAddr().String())
		return newChannel(conn, logger), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrConnect, errors.Join(errs...))
}

func newChannel(conn net.Conn, logger *slog.Logger) *Channel {
	return &Channel{
		conn:   conn,
		br:     bufio.NewReader(conn),
		logger: logger.With("remote", conn.RemoteAddr().String()),
	}
}

// SendAddress writes addr prefixed by its length as a native-endian
// u64.
func (c *Channel) SendAddress(addr []byte) error {
	buf := make([]byte, 8+len(addr))
	binary.NativeEndian.PutUint64(buf, uint64(len(addr)))
	copy(buf[8:], addr)

	n, err := c.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShortTransfer, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortTransfer, n, len(buf))
	}
	c.logger.Debug("sent address", "length", len(addr))
	return nil
}

// RecvAddress reads an address written by SendAddress.
func (c *Channel) RecvAddress() ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(c.br, header[:]); err != nil {
		return nil, fmt.Errorf("%w: address length: %w", ErrShortTransfer, err)
	}

	length := binary.NativeEndian.Uint64(header[:])
	if length > MaxAddressLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrAddressTooLarge, length)
	}

	addr := make([]byte, length)
	if _, err := io.ReadFull(c.br, addr); err != nil {
		return nil, fmt.Errorf("%w: address: %w", ErrShortTransfer, err)
	}
	c.logger.Debug("received address", "length", length)
	return addr, nil
}

// Barrier sends a 4-byte token and waits for the peer's one, calling
// progress every millisecond while waiting. Both peers pass the
// barrier only if both tokens were transferred in full.
func (c *Channel) Barrier(progress func()) error {
	var token [4]byte
	binary.NativeEndian.PutUint32(token[:], 0)

	n, err := c.conn.Write(token[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBarrier, err)
	}
	if n != len(token) {
		return fmt.Errorf("%w: sent %d bytes", ErrBarrier, n)
	}

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(barrierPoll)); err != nil {
			return fmt.Errorf("%w: %w", ErrBarrier, err)
		}
		_, err := c.br.Peek(1)
		if progress != nil {
			progress()
		}
		if err == nil {
			break
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return fmt.Errorf("%w: %w", ErrBarrier, err)
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrBarrier, err)
	}

	var peer [4]byte
	n, err = io.ReadFull(c.br, peer[:])
	if err != nil {
		return fmt.Errorf("%w: received %d bytes: %w", ErrBarrier, n, err)
	}
	c.logger.Debug("barrier passed")
	return nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address of the channel.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func isBindErr(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.EACCES)
}
