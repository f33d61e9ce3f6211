package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"credguard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDevCertIsReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, zap.NewNop())

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	info, err := os.Stat(filepath.Join(dir, "dev-key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))
}

func TestDevCertRegeneratedForNewHost(t *testing.T) {
	gen := NewDevCertGenerator(t.TempDir(), zap.NewNop())

	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	second, err := gen.GenerateCert([]string{"localhost", "auth.example.test"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToSelfSignedOutsideProduction(t *testing.T) {
	cfg := &config.Config{
		Environment: "development",
		Server:      config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()},
	}
	m := NewTLSManager(cfg, zap.NewNop())
	assert.Nil(t, m.GetAutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	tc := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	cfg := &config.Config{
		Environment: "production",
		Server:      config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()},
	}
	_, err := NewTLSManager(cfg, zap.NewNop()).GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}
