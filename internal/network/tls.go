package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"dexp2p/internal/crypto"
)

const ALPN = "dexp2p"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so every dev node trusts every other one
// without exchanging CA files.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := crypto.SHA3_256([]byte("dexp2p-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig trusts the dev cert when devTLS is set. A CA file from
// DEXP2P_DEVTLS_CA_PATH wins over caPath; without either the built-in dev
// cert is pinned. Peers are authenticated by blob hashes, not by TLS, so
// insecure is acceptable on test nets.
func clientTLSConfig(insecure, devTLS bool, caPath string) (*tls.Config, error) {
	base := &tls.Config{
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
		ServerName: "localhost",
	}
	if insecure {
		base.InsecureSkipVerify = true
		return base, nil
	}
	if !devTLS {
		base.ServerName = ""
		return base, nil
	}
	if env := strings.TrimSpace(os.Getenv("DEXP2P_DEVTLS_CA_PATH")); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read devtls ca: %w", err)
		}
		if err == nil {
			if !pool.AppendCertsFromPEM(pemBytes) {
				return nil, fmt.Errorf("devtls ca %s: no certificates", caPath)
			}
			base.RootCAs = pool
			return base, nil
		}
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool.AddCert(cert)
	base.RootCAs = pool
	return base, nil
}

// WriteDevTLSCA writes the dev cert as PEM so external tools can pin it.
func WriteDevTLSCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(path, pemBytes, 0o600)
}
