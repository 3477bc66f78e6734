package tagmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintPinning(t *testing.T) {
	server, err := newIdentity("server")
	require.NoError(t, err)
	impostor, err := newIdentity("impostor")
	require.NoError(t, err)
	require.Len(t, server.fingerprint, 32)

	verify := server.clientConfig(server.fingerprint).VerifyPeerCertificate
	require.NoError(t, verify(server.cert.Certificate, nil))
	require.ErrorIs(t, verify(impostor.cert.Certificate, nil), ErrFingerprint)
	require.ErrorIs(t, verify(nil, nil), ErrFingerprint)
}
