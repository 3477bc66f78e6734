package tagmsg

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

const alpnProto = "tagmsg/1"

type identity struct {
	cert        tls.Certificate
	fingerprint []byte
}

// newIdentity generates the self-signed certificate a worker presents
// to its peers. Peers authenticate it by the fingerprint published in
// the worker address.
func newIdentity(cn string) (*identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tls: failed to generate serialNumber: %w", err)
	}

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to generate certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(certDER)
	return &identity{
		cert: tls.Certificate{
			Certificate: [][]byte{certDER},
			Leaf:        leaf,
			PrivateKey:  key,
		},
		fingerprint: sum[:],
	}, nil
}

func (id *identity) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
}

// clientConfig trusts exactly the certificate whose SHA-256 matches
// fingerprint.
func (id *identity) clientConfig(fingerprint []byte) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
		// NB: chain verification is replaced by the fingerprint pinning
		// below, the certificate is self-signed.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprint
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], fingerprint) {
				return ErrFingerprint
			}
			return nil
		},
	}
}
