package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/arencloud/nservers/internal/config"
)

var (
	// ErrBadCA means the client CA file held no usable PEM certificate.
	ErrBadCA = errors.New("tls: no certificates in client CA bundle")

	// ErrCertKeyPair means certFiles and keyFiles cannot be paired up one to one.
	ErrCertKeyPair = errors.New("tls: certFiles and keyFiles must have the same length")
)

// BuildServerTLS loads the API listener certificates. It returns nil, nil when TLS is not
// configured and the listener should serve plain HTTP.
func BuildServerTLS(t config.TLS) (*tls.Config, error) {
	if len(t.CertFiles) == 0 && len(t.KeyFiles) == 0 {
		return nil, nil
	}
	if len(t.CertFiles) != len(t.KeyFiles) {
		return nil, ErrCertKeyPair
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: make([]tls.Certificate, 0, len(t.CertFiles)),
		NextProtos:   []string{"h2", "http/1.1"},
	}
	for i, certFile := range t.CertFiles {
		pair, err := tls.LoadX509KeyPair(certFile, t.KeyFiles[i])
		if err != nil {
			return nil, fmt.Errorf("tls: load %s: %w", certFile, err)
		}
		cfg.Certificates = append(cfg.Certificates, pair)
	}

	switch {
	case t.RequireClientCert:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case t.ClientCAFile != "":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		return cfg, nil
	}
	cas, err := clientCAs(t.ClientCAFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = cas
	return cfg, nil
}

// clientCAs reads the PEM bundle at path. An empty path yields an empty pool,
// which rejects every client certificate.
func clientCAs(path string) (*x509.CertPool, error) {
	cas := x509.NewCertPool()
	if path == "" {
		return cas, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read client CA: %w", err)
	}
	if !cas.AppendCertsFromPEM(b) {
		return nil, ErrBadCA
	}
	return cas, nil
}
