package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"slurmgo/internal/crypto"
)

const alpn = "slurmgo"

type TLSOptions struct {
	// DevTLS uses a deterministic self-signed certificate shared by every node.
	DevTLS   bool
	CertFile string
	KeyFile  string
	CAFile   string
	Insecure bool
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := crypto.KDF("slurmgo:quic:dev-key")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
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
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

// DevCAPEM returns the dev certificate so operators can pin it.
func DevCAPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func ServerTLSConfig(opts TLSOptions) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	case opts.DevTLS:
		cert, _, err = devTLSCert()
	default:
		return nil, errors.New("tls: need cert_file and key_file, or dev_tls")
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func ClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.Insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		}, nil
	}
	caPath := strings.TrimSpace(os.Getenv("SLURMGO_DEVTLS_CA_PATH"))
	if caPath == "" {
		caPath = opts.CAFile
	}
	pool := x509.NewCertPool()
	conf := &tls.Config{RootCAs: pool, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
	}
	if opts.DevTLS {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
		// every node presents the same dev certificate
		conf.ServerName = "localhost"
	}
	if caPath == "" && !opts.DevTLS {
		conf.RootCAs = nil
	}
	return conf, nil
}
