package tlsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDisabledReturnsNil(t *testing.T) {
	cfg, err := Load(Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadEnabledWithoutFilesErrors(t *testing.T) {
	_, err := Load(Config{Enabled: true})
	assert.ErrorIs(t, err, ErrMissingCertKey)
}

func TestEnsureDevCertGeneratesAndLoads(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")

	require.NoError(t, EnsureDevCert(certFile, keyFile))

	cfg, err := Load(Config{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
}

func TestEnsureDevCertIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")

	require.NoError(t, EnsureDevCert(certFile, keyFile))
	require.NoError(t, EnsureDevCert(certFile, keyFile))
}
