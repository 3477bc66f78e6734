package tagmsg

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"gopkg.in/yaml.v3"
)

// Context holds the configuration shared by the workers of a process.
type Context struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	lock    sync.Mutex
	workers map[*Worker]struct{}
	cleaned bool
}

// Init creates a Context from the given options.
func Init(opts ...Option) (*Context, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	ctx := &Context{
		cfg:     cfg,
		workers: make(map[*Worker]struct{}),
	}

	if cfg.LogHandler == nil {
		ctx.logger = slog.Default()
	} else {
		ctx.logger = slog.New(cfg.LogHandler)
	}
	ctx.logger = ctx.logger.With("context", cfg.Name)

	if cfg.MetricSink == nil {
		ctx.msink = metrics.Default()
	} else {
		ctx.msink = cfg.MetricSink
	}

	ctx.logger.Debug("context initialised", "features", cfg.Features.String())
	return ctx, nil
}

// Features returns the capabilities this context was initialised with.
func (c *Context) Features() Feature {
	return c.cfg.Features
}

func (c *Context) has(f Feature) bool {
	return c.cfg.Features&f == f
}

// Cleanup destroys every worker still alive. It is idempotent.
func (c *Context) Cleanup() {
	c.lock.Lock()
	if c.cleaned {
		c.lock.Unlock()
		return
	}
	c.cleaned = true
	workers := make([]*Worker, 0, len(c.workers))
	for w := range c.workers {
		workers = append(workers, w)
	}
	c.lock.Unlock()

	for _, w := range workers {
		w.Destroy()
	}
	c.logger.Debug("context cleaned up")
}

func (c *Context) register(w *Worker) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cleaned {
		return fmt.Errorf("%w: context was cleaned up", ErrInvalidCfg)
	}
	c.workers[w] = struct{}{}
	return nil
}

func (c *Context) unregister(w *Worker) {
	c.lock.Lock()
	delete(c.workers, w)
	c.lock.Unlock()
}

type configView struct {
	Name              string   `yaml:"name"`
	Features          string   `yaml:"features"`
	BindAddr          string   `yaml:"bind_addr"`
	BindPort          int      `yaml:"bind_port"`
	AdvertiseAddrs    []string `yaml:"advertise_addrs,omitempty"`
	BufferSize        int      `yaml:"udp_buffer_size"`
	EnforceBufferSize bool     `yaml:"enforce_udp_buffer_size"`
	KeepAlivePeriod   string   `yaml:"keepalive_period"`
	MaxIdleTimeout    string   `yaml:"max_idle_timeout"`
	HandshakeTimeout  string   `yaml:"handshake_timeout"`
	MaxMessageSize    uint64   `yaml:"max_message_size"`
	RequestInit       bool     `yaml:"request_init"`
}

// PrintConfig writes the effective configuration as YAML.
func (c *Context) PrintConfig(w io.Writer) error {
	view := configView{
		Name:              c.cfg.Name,
		Features:          c.cfg.Features.String(),
		BindAddr:          c.cfg.BindAddr,
		BindPort:          c.cfg.BindPort,
		AdvertiseAddrs:    c.cfg.AdvertiseAddrs,
		BufferSize:        c.cfg.BufferSize,
		EnforceBufferSize: c.cfg.EnforceBufferSize,
		KeepAlivePeriod:   c.cfg.KeepAlivePeriod.String(),
		MaxIdleTimeout:    c.cfg.MaxIdleTimeout.String(),
		HandshakeTimeout:  c.cfg.HandshakeTimeout.String(),
		MaxMessageSize:    c.cfg.MaxMessageSize,
		RequestInit:       c.cfg.RequestInit != nil,
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("context: failed to print config: %w", err)
	}
	return enc.Close()
}
