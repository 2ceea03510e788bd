package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Manager picks the serving certificate: ACME first, then the configured
// key pair, then a self-signed development certificate.
type Manager struct {
	domain   string
	certFile string
	keyFile  string
	certDir  string
	autoCert *autocert.Manager

	mu     sync.Mutex
	static *tls.Certificate
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		domain:   cfg.Server.Domain,
		certFile: cfg.Server.CertFile,
		keyFile:  cfg.Server.KeyFile,
		certDir:  cfg.Server.AutoCertDir,
	}

	if cfg.Server.EnableTLS && cfg.Server.AutoCert {
		m.setupAutoCert(cfg.Server.Email)
	}
	return m
}

func (m *Manager) setupAutoCert(email string) {
	if err := os.MkdirAll(m.certDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.domain),
		Cache:      autocert.DirCache(m.certDir),
		Email:      email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.domain),
		zap.String("cache_dir", m.certDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.static != nil {
		return m.static, nil
	}

	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err == nil {
			m.static = &cert
			return m.static, nil
		}
		util.Warn("Configured certificate could not be loaded", zap.Error(err))
	}

	cert, err := m.selfSigned()
	if err != nil {
		return nil, err
	}
	m.static = cert
	return cert, nil
}

func (m *Manager) selfSigned() (*tls.Certificate, error) {
	hosts := []string{m.domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.certDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// AutocertManager is nil unless ACME is enabled.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
