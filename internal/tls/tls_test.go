package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func TestDevCertIsGeneratedAndReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"identity.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "identity.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	second, err := gen.GenerateCert([]string{"identity.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestDevCertRenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertValidity - 24*time.Hour) }
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToSelfSigned(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{
		EnableTLS:   true,
		Domain:      "localhost",
		AutoCertDir: t.TempDir(),
		CertFile:    "/nonexistent/cert.pem",
		KeyFile:     "/nonexistent/key.pem",
	}}
	m := NewManager(cfg)
	assert.Nil(t, m.AutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	tc := m.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
}
