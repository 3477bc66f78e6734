// Package session drives the exchange between a server and a client:
// the peers swap their worker addresses over a rendezvous channel,
// the server connects back and sends a test string, then both pass a
// barrier before tearing down. A failure of either peer can be
// emulated to observe how it is detected.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/completion"
	"github.com/raskyld/tagmsg/pkg/progress"
	"github.com/raskyld/tagmsg/pkg/rendezvous"
)

type session struct {
	cfg    Config
	role   Role
	state  State
	logger *slog.Logger

	alloc     tagmsg.Allocator
	tctx      *tagmsg.Context
	worker    *tagmsg.Worker
	strategy  progress.Strategy
	waiter    *completion.Waiter
	lifecycle *Lifecycle
	channel   *rendezvous.Channel

	received      []byte
	faultDetected bool
}

// Run executes one exchange and returns how it ended. It returns a nil
// error when the payload was exchanged, or when the emulated failure of
// the peer was detected. The process emulating the failure returns
// ErrTerminated if its Terminator returns.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{Role: cfg.Role(), State: StateFailed}, err
	}

	s := newSession(cfg)
	err := s.run(ctx)
	if err != nil && s.state != StateTerminated {
		s.logger.Error("session failed", "state", s.state.String(), "error", err)
		s.transition(StateFailed)
	}

	return Result{
		Role:          s.role,
		State:         s.state,
		FaultDetected: s.faultDetected,
		Received:      s.received,
	}, err
}

func newSession(cfg Config) *session {
	logger := slog.Default()
	if cfg.LogHandler != nil {
		logger = slog.New(cfg.LogHandler)
	}
	role := cfg.Role()

	return &session{
		cfg:    cfg,
		role:   role,
		state:  StateInit,
		logger: logger.With("role", role.String()),
	}
}

func (s *session) transition(next State) {
	s.logger.Debug("session state changed", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *session) run(ctx context.Context) error {
	err := s.setup()
	if err == nil {
		err = s.exchange(ctx)
	}
	return s.teardown(ctx, err)
}

func (s *session) setup() error {
	alloc, err := tagmsg.NewAllocator(s.cfg.MemoryType, 0)
	if err != nil {
		return err
	}
	s.alloc = alloc

	features := tagmsg.FeatureTag
	if s.cfg.WaitMode.NeedsWakeup() {
		features |= tagmsg.FeatureWakeup
	}
	opts := append([]tagmsg.Option{
		tagmsg.WithName(s.role.String()),
		tagmsg.WithFeatures(features),
		tagmsg.WithRequestInit(completion.NewTracker),
		tagmsg.WithLog(s.cfg.LogHandler),
	}, s.cfg.SubstrateOptions...)

	s.tctx, err = tagmsg.Init(opts...)
	if err != nil {
		return err
	}
	if s.cfg.PrintConfig {
		if err := s.tctx.PrintConfig(s.cfg.Output); err != nil {
			return err
		}
	}

	s.worker, err = s.tctx.NewWorker()
	if err != nil {
		return err
	}

	s.strategy, err = progress.New(s.cfg.WaitMode, s.worker)
	if err != nil {
		return err
	}
	s.logger.Info("worker ready", "wait_mode", s.strategy.Mode().String(), "addr", s.worker.LocalAddr().String())

	s.waiter = completion.NewWaiter(s.strategy, s.logger)
	s.lifecycle = NewLifecycle(s.worker, s.waiter, s.strategy, s.cfg.ErrorMode, s.logger)
	return nil
}

func (s *session) exchange(ctx context.Context) error {
	s.transition(StateRendezvous)
	peer, err := s.rendezvous(ctx)
	if err != nil {
		return err
	}
	s.transition(StateAddressExchanged)

	if s.role == RoleServer {
		return s.runServer(ctx)
	}
	return s.runClient(ctx, peer)
}

// rendezvous connects the peers out of band. The server publishes its
// worker address, the client returns the one it received.
func (s *session) rendezvous(ctx context.Context) ([]byte, error) {
	opts := []rendezvous.Option{rendezvous.WithLog(s.cfg.LogHandler)}

	if s.role == RoleServer {
		if s.cfg.OnListen != nil {
			opts = append(opts, rendezvous.WithOnListen(s.cfg.OnListen))
		}
		ch, err := rendezvous.ListenAndAccept(ctx, s.cfg.Port, s.cfg.Family, opts...)
		if err != nil {
			return nil, err
		}
		s.channel = ch

		local, err := s.worker.Address()
		if err != nil {
			return nil, err
		}
		return nil, ch.SendAddress(local)
	}

	ch, err := rendezvous.Dial(ctx, s.cfg.ServerName, s.cfg.Port, s.cfg.Family, opts...)
	if err != nil {
		return nil, err
	}
	s.channel = ch
	return ch.RecvAddress()
}

func (s *session) terminate() error {
	s.logger.Warn("terminating to emulate a failure", "fault", s.cfg.ErrorMode.Fault.String())
	s.transition(StateTerminated)
	if err := s.cfg.Terminate(s.worker); err != nil {
		s.logger.Error("could not terminate", "error", err)
		return err
	}
	return ErrTerminated
}

// teardown releases what the session acquired: the endpoint, then the
// barrier when the exchange succeeded without an emulated failure,
// then the worker, the context and the channel.
func (s *session) teardown(ctx context.Context, err error) error {
	terminated := errors.Is(err, ErrTerminated)

	if !terminated && s.lifecycle != nil {
		if cerr := s.lifecycle.Close(ctx); cerr != nil {
			s.logger.Warn("endpoint was not closed cleanly", "error", cerr)
		}
	}

	if err == nil && s.cfg.ErrorMode.Fault == FaultNone {
		s.transition(StateBarrier)
		err = s.channel.Barrier(func() { s.worker.Progress() })
	}

	if s.strategy != nil {
		if cerr := s.strategy.Close(); cerr != nil {
			s.logger.Warn("failed to release the wait strategy", "error", cerr)
		}
	}
	if !terminated {
		if s.worker != nil {
			s.worker.Destroy()
		}
		if s.tctx != nil {
			s.tctx.Cleanup()
		}
	}
	if s.channel != nil {
		s.channel.Close()
	}

	if err == nil {
		s.transition(StateClosed)
	}
	return err
}
