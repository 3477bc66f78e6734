package tagmsg

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultUDPBufferSize    int           = 1 << 21
	defaultKeepAlivePeriod  time.Duration = 2 * time.Second
	defaultMaxIdleTimeout   time.Duration = 6 * time.Second
	defaultHandshakeTimeout time.Duration = 3 * time.Second
	defaultMaxMessageSize   uint64        = 64 << 20
)

// Feature is a capability requested when initialising a Context.
type Feature uint64

const (
	// FeatureTag enables tag-matched send, probe and receive.
	FeatureTag Feature = 1 << iota
	// FeatureWakeup enables Worker.Wait, Worker.Arm and Worker.EventFD.
	FeatureWakeup
)

func (f Feature) String() string {
	switch f {
	case 0:
		return "none"
	case FeatureTag:
		return "tag"
	case FeatureWakeup:
		return "wakeup"
	case FeatureTag | FeatureWakeup:
		return "tag|wakeup"
	default:
		return "unknown"
	}
}

// Config represents the configuration of a Context and of the
// workers it creates.
type Config struct {
	// Name is a human-friendly name reported in logs and addresses.
	Name string

	// Features requested by the application.
	Features Feature

	// BindAddr and BindPort are where workers listen for QUIC
	// connections. An empty BindAddr listens on every interface and a
	// zero BindPort picks a random port.
	BindAddr string
	BindPort int

	// AdvertiseAddrs overrides the IPs published in worker addresses.
	AdvertiseAddrs []string

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails worker creation if the kernel doesn't
	// allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `Config.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// KeepAlivePeriod is how often an idle endpoint pings its peer.
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout is how long a silent peer is tolerated before the
	// endpoint is declared failed.
	MaxIdleTimeout time.Duration

	// HandshakeTimeout bounds the establishment of an endpoint.
	HandshakeTimeout time.Duration

	// MaxMessageSize is the largest tagged message accepted or sent.
	MaxMessageSize uint64

	// RequestInit produces the private area of every request handed
	// out by workers of this context.
	RequestInit func() any

	// MetricsLabels to add to every metrics emitted by the substrate.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func defaultConfig() Config {
	return Config{
		Name:             "tagmsg",
		Features:         FeatureTag,
		BufferSize:       defaultUDPBufferSize,
		KeepAlivePeriod:  defaultKeepAlivePeriod,
		MaxIdleTimeout:   defaultMaxIdleTimeout,
		HandshakeTimeout: defaultHandshakeTimeout,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

// Option to pass to `Init`
type Option func(*Config) error

// WithName sets the name reported by the context and its workers.
func WithName(name string) Option {
	return func(c *Config) error {
		if name != "" {
			c.Name = name
		}
		return nil
	}
}

// WithFeatures specifies which capabilities the application needs.
func WithFeatures(features Feature) Option {
	return func(c *Config) error {
		if features&FeatureTag == 0 {
			return ErrInvalidCfg
		}
		c.Features = features
		return nil
	}
}

// WithListenOn specifies which UDP interface must be used by workers.
func WithListenOn(addr string, port int) Option {
	return func(c *Config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidCfg
		}
		c.BindAddr = addr
		c.BindPort = port
		return nil
	}
}

// WithAdvertiseAddrs overrides the IPs published in worker addresses.
func WithAdvertiseAddrs(addrs ...string) Option {
	return func(c *Config) error {
		c.AdvertiseAddrs = addrs
		return nil
	}
}

// WithBufferSize controls the UDP kernel buffer requested by workers.
func WithBufferSize(size int, enforce bool) Option {
	return func(c *Config) error {
		if size == 0 {
			size = defaultUDPBufferSize
		}
		c.BufferSize = size
		c.EnforceBufferSize = enforce
		return nil
	}
}

// WithKeepAlive controls how fast a dead peer is detected: endpoints
// ping every `period` and fail after `idle` of silence.
func WithKeepAlive(period, idle time.Duration) Option {
	return func(c *Config) error {
		if period == 0 {
			period = defaultKeepAlivePeriod
		}
		if idle == 0 {
			idle = defaultMaxIdleTimeout
		}
		if period >= idle {
			return ErrInvalidCfg
		}
		c.KeepAlivePeriod = period
		c.MaxIdleTimeout = idle
		return nil
	}
}

// WithHandshakeTimeout controls how much time we are willing to wait for a
// remote worker to answer.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout == 0 {
			timeout = defaultHandshakeTimeout
		}
		c.HandshakeTimeout = timeout
		return nil
	}
}

// WithMaxMessageSize bounds the size of tagged messages.
func WithMaxMessageSize(size uint64) Option {
	return func(c *Config) error {
		if size == 0 {
			size = defaultMaxMessageSize
		}
		c.MaxMessageSize = size
		return nil
	}
}

// WithRequestInit registers the hook producing the private area of
// every request. It is invoked each time a request is handed out.
func WithRequestInit(init func() any) Option {
	return func(c *Config) error {
		c.RequestInit = init
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *Config) error {
		c.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// substrate.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *Config) error {
		c.MetricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the substrate.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *Config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.MetricSink = ms
		return nil
	}
}
