// Package config loads the optional YAML file holding the defaults of
// the hello-world command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/progress"
	"github.com/raskyld/tagmsg/pkg/rendezvous"
	"github.com/raskyld/tagmsg/pkg/session"
	"gopkg.in/yaml.v3"
)

// File holds the hello-world configuration.
type File struct {
	Port           uint16        `yaml:"port"`
	IPv6           bool          `yaml:"ipv6"`
	Length         int           `yaml:"length"`
	Memory         string        `yaml:"memory"`
	WaitMode       string        `yaml:"wait_mode"`
	PeerErrors     bool          `yaml:"peer_errors"`
	Fault          string        `yaml:"fault"`
	RecvFaultGrace time.Duration `yaml:"recv_fault_grace"`
	Substrate      Substrate     `yaml:"substrate"`
}

// Substrate holds the worker settings. Zero values keep the substrate
// defaults.
type Substrate struct {
	BindAddr             string        `yaml:"bind_addr"`
	BindPort             int           `yaml:"bind_port"`
	AdvertiseAddrs       []string      `yaml:"advertise_addrs"`
	UDPBufferSize        int           `yaml:"udp_buffer_size"`
	EnforceUDPBufferSize bool          `yaml:"enforce_udp_buffer_size"`
	KeepAlivePeriod      time.Duration `yaml:"keepalive_period"`
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	MaxMessageSize       uint64        `yaml:"max_message_size"`
}

// DefaultPath returns the default config file path: ~/.tagmsg/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tagmsg", "config.yaml")
	}
	return filepath.Join(home, ".tagmsg", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Port:           session.DefaultPort,
		Length:         session.DefaultLength,
		Memory:         tagmsg.MemoryHost.String(),
		WaitMode:       progress.ModeBusyPoll.String(),
		Fault:          session.FaultNone.String(),
		RecvFaultGrace: session.DefaultRecvFaultGrace,
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default with no error.
func Load(path string) (*File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Apply copies the file settings into cfg.
func (f *File) Apply(cfg *session.Config) error {
	mt, err := tagmsg.ParseMemoryType(f.Memory)
	if err != nil {
		return err
	}
	mode, err := progress.ParseMode(f.WaitMode)
	if err != nil {
		return err
	}
	fault, err := session.ParseFault(f.Fault)
	if err != nil {
		return err
	}

	cfg.Port = f.Port
	cfg.Length = f.Length
	cfg.MemoryType = mt
	cfg.WaitMode = mode
	cfg.Family = rendezvous.FamilyIPv4
	if f.IPv6 {
		cfg.Family = rendezvous.FamilyIPv6
	}

	cfg.ErrorMode = session.ErrorMode{Fault: fault}
	if f.PeerErrors {
		cfg.ErrorMode.PeerMode = tagmsg.ErrModePeer
	}
	if f.RecvFaultGrace > 0 {
		cfg.RecvFaultGrace = f.RecvFaultGrace
	}

	cfg.SubstrateOptions = append(cfg.SubstrateOptions, f.Substrate.Options()...)
	return nil
}

// Options translates the non-zero settings into substrate options.
func (s Substrate) Options() []tagmsg.Option {
	var opts []tagmsg.Option
	if s.BindAddr != "" || s.BindPort != 0 {
		opts = append(opts, tagmsg.WithListenOn(s.BindAddr, s.BindPort))
	}
	if len(s.AdvertiseAddrs) > 0 {
		opts = append(opts, tagmsg.WithAdvertiseAddrs(s.AdvertiseAddrs...))
	}
	if s.UDPBufferSize != 0 || s.EnforceUDPBufferSize {
		opts = append(opts, tagmsg.WithBufferSize(s.UDPBufferSize, s.EnforceUDPBufferSize))
	}
	if s.KeepAlivePeriod != 0 || s.MaxIdleTimeout != 0 {
		opts = append(opts, tagmsg.WithKeepAlive(s.KeepAlivePeriod, s.MaxIdleTimeout))
	}
	if s.HandshakeTimeout != 0 {
		opts = append(opts, tagmsg.WithHandshakeTimeout(s.HandshakeTimeout))
	}
	if s.MaxMessageSize != 0 {
		opts = append(opts, tagmsg.WithMaxMessageSize(s.MaxMessageSize))
	}
	return opts
}
