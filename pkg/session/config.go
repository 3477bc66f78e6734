package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/progress"
	"github.com/raskyld/tagmsg/pkg/rendezvous"
)

const (
	DefaultPort           uint16 = 13337
	DefaultLength         int    = 16
	DefaultRecvFaultGrace        = 5 * time.Second
)

var (
	ErrInvalidConfig    = errors.New("session: invalid configuration")
	ErrEndpointCreate   = errors.New("session: could not create endpoint")
	ErrPeerDisconnected = errors.New("session: peer disconnected")
	ErrTerminated       = errors.New("session: terminated to emulate a failure")
)

// Role of the process in the exchange.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Fault is the failure a run emulates.
type Fault uint8

const (
	FaultNone Fault = iota
	// FaultSend kills the server once it received the client address.
	FaultSend
	// FaultRecv kills the client once its address was delivered.
	FaultRecv
	// FaultKeepalive kills the client once the payload arrived on its
	// worker, before receiving it.
	FaultKeepalive
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultSend:
		return "send"
	case FaultRecv:
		return "recv"
	case FaultKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// ParseFault parses the names produced by Fault.String.
func ParseFault(s string) (Fault, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FaultNone, nil
	case "send":
		return FaultSend, nil
	case "recv":
		return FaultRecv, nil
	case "keepalive":
		return FaultKeepalive, nil
	default:
		return FaultNone, fmt.Errorf("%w: unknown fault %q", ErrInvalidConfig, s)
	}
}

// ErrorMode tells how peer failures are handled and which one is
// emulated.
type ErrorMode struct {
	PeerMode tagmsg.ErrorHandlingMode
	Fault    Fault
}

// Validate checks an injected fault comes with peer error handling.
func (m ErrorMode) Validate() error {
	if m.Fault != FaultNone && m.PeerMode != tagmsg.ErrModePeer {
		return fmt.Errorf("%w: emulating a %s failure requires peer error handling", ErrInvalidConfig, m.Fault)
	}
	return nil
}

// Terminator ends the process abruptly. It is given the worker so
// in-process emulations can drop its sockets.
type Terminator func(w *tagmsg.Worker) error

// KillSelf sends SIGKILL to the current process.
func KillSelf(*tagmsg.Worker) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Kill()
}

// Config of a run. The zero value is not usable, start from
// DefaultConfig.
type Config struct {
	// ServerName is the host of the server to connect to. An empty
	// name makes the process the server.
	ServerName string

	// Port of the rendezvous channel. A server may use 0 to pick a
	// free port, reported through OnListen.
	Port   uint16
	Family rendezvous.Family

	// Length of the payload sent by the server, terminating zero
	// included.
	Length int

	MemoryType tagmsg.MemoryType
	WaitMode   progress.Mode
	ErrorMode  ErrorMode

	// RecvFaultGrace is how long the server waits for the client to
	// die before sending under FaultRecv.
	RecvFaultGrace time.Duration

	// PrintConfig dumps the substrate configuration to Output.
	PrintConfig bool

	// Output receives the payload banner and the printed config.
	Output io.Writer

	LogHandler slog.Handler

	Terminate Terminator

	// OnListen is called with the rendezvous address a server listens on.
	OnListen func(net.Addr)

	// SubstrateOptions are appended to the options the session
	// initialises the substrate with.
	SubstrateOptions []tagmsg.Option
}

// DefaultConfig returns the configuration of a server using busy
// polling and no fault.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		Length:         DefaultLength,
		RecvFaultGrace: DefaultRecvFaultGrace,
		Output:         os.Stdout,
		Terminate:      KillSelf,
	}
}

// Role derives the role from ServerName.
func (c *Config) Role() Role {
	if c.ServerName == "" {
		return RoleServer
	}
	return RoleClient
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.Role() == RoleClient && c.Port == 0:
		return fmt.Errorf("%w: port must be greater than 0", ErrInvalidConfig)
	case c.Length < 1:
		return fmt.Errorf("%w: length must be at least 1", ErrInvalidConfig)
	case c.MemoryType != tagmsg.MemoryHost:
		return fmt.Errorf("%w: %w: %s", ErrInvalidConfig, tagmsg.ErrUnsupportedMemory, c.MemoryType)
	case c.Output == nil:
		return fmt.Errorf("%w: output is required", ErrInvalidConfig)
	case c.Terminate == nil && c.ErrorMode.Fault != FaultNone:
		return fmt.Errorf("%w: a terminator is required to emulate failures", ErrInvalidConfig)
	}
	return c.ErrorMode.Validate()
}
