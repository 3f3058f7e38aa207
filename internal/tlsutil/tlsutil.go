// Package tlsutil builds *tls.Config for the dashboard HTTP/WebSocket
// listener from internal/config's TLSConfig.
package tlsutil

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
)

// ErrMissingCertKey is returned when TLS is enabled but no cert/key pair
// is configured.
var ErrMissingCertKey = errors.New("tlsutil: TLS enabled but no cert/key files configured")

// Config mirrors the subset of internal/config's TLSConfig this package
// needs, kept separate to avoid an import cycle.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Load builds a *tls.Config with TLS 1.3 as the floor, or returns (nil,
// nil) when cfg is disabled.
func Load(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrMissingCertKey
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// EnsureDevCert generates a self-signed localhost certificate at
// certFile/keyFile unless both files already exist, for local development
// use. Production deployments should supply real certificates instead.
func EnsureDevCert(certFile, keyFile string) error {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return err
	}
	return GenerateSelfSigned(SelfSignedConfig{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost"},
		IPAddresses: []string{"127.0.0.1", "::1"},
		CertPath:    certFile,
		KeyPath:     keyFile,
	})
}
