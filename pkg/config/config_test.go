package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raskyld/tagmsg"
	"github.com/raskyld/tagmsg/pkg/progress"
	"github.com/raskyld/tagmsg/pkg/rendezvous"
	"github.com/raskyld/tagmsg/pkg/session"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
port: 4242
ipv6: true
length: 64
wait_mode: eventfd
peer_errors: true
fault: keepalive
recv_fault_grace: 2s
substrate:
  bind_addr: 127.0.0.1
  keepalive_period: 500ms
  max_idle_timeout: 3s
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 4242, f.Port)
	require.Equal(t, "host", f.Memory, "unset keys keep their default")
	require.Equal(t, 2*time.Second, f.RecvFaultGrace)
	require.Equal(t, 500*time.Millisecond, f.Substrate.KeepAlivePeriod)

	cfg := session.DefaultConfig()
	require.NoError(t, f.Apply(&cfg))
	require.EqualValues(t, 4242, cfg.Port)
	require.Equal(t, 64, cfg.Length)
	require.Equal(t, rendezvous.FamilyIPv6, cfg.Family)
	require.Equal(t, progress.ModeEventFD, cfg.WaitMode)
	require.Equal(t, session.ErrorMode{PeerMode: tagmsg.ErrModePeer, Fault: session.FaultKeepalive}, cfg.ErrorMode)
	require.Equal(t, 2*time.Second, cfg.RecvFaultGrace)
	require.Len(t, cfg.SubstrateOptions, 2)
	require.NoError(t, cfg.Validate())
}

func TestLoadInvalid(t *testing.T) {
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "port: [1, 2"))
		require.Error(t, err)
	})

	t.Run("unknown wait mode", func(t *testing.T) {
		f, err := Load(writeFile(t, "wait_mode: spin\n"))
		require.NoError(t, err)
		cfg := session.DefaultConfig()
		require.ErrorIs(t, f.Apply(&cfg), progress.ErrUnknownMode)
	})

	t.Run("unknown memory", func(t *testing.T) {
		f, err := Load(writeFile(t, "memory: rocm\n"))
		require.NoError(t, err)
		cfg := session.DefaultConfig()
		require.ErrorIs(t, f.Apply(&cfg), tagmsg.ErrUnsupportedMemory)
	})
}

func TestSubstrateOptions(t *testing.T) {
	require.Empty(t, Substrate{}.Options())

	opts := Substrate{
		BindAddr:         "127.0.0.1",
		AdvertiseAddrs:   []string{"127.0.0.1"},
		UDPBufferSize:    1 << 20,
		HandshakeTimeout: time.Second,
		MaxMessageSize:   1 << 10,
	}.Options()
	require.Len(t, opts, 5)

	tctx, err := tagmsg.Init(opts...)
	require.NoError(t, err)
	t.Cleanup(tctx.Cleanup)
}
