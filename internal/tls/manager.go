package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"credguard/internal/config"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// TLSManager picks a certificate source in order: ACME via autocert,
// configured files, then a self-signed development certificate. The
// self-signed fallback is refused in production.
type TLSManager struct {
	config     config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	logger     *zap.Logger

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

func NewTLSManager(cfg *config.Config, logger *zap.Logger) *TLSManager {
	manager := &TLSManager{
		config:     cfg.Server,
		production: cfg.IsProduction(),
		logger:     logger,
	}

	if cfg.Server.AutoCert && cfg.Server.EnableTLS {
		manager.setupAutoCert()
	}

	return manager
}

func (m *TLSManager) setupAutoCert() {
	if m.config.Domain == "" {
		m.logger.Warn("TLS_AUTOCERT set without TLS_DOMAIN, autocert disabled")
		return
	}
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		m.logger.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	m.logger.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert failed, falling back", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		return m.loadFileCert()
	}

	if m.production {
		return nil, errors.New("no certificate source configured for production")
	}
	return m.selfSigned()
}

func (m *TLSManager) loadFileCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fileCert != nil {
		return m.fileCert, nil
	}
	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate files: %w", err)
	}
	m.fileCert = &cert
	return m.fileCert, nil
}

func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" {
		hosts = append(hosts, m.config.Domain)
	}

	cert, err := NewDevCertGenerator(m.config.AutoCertDir, m.logger).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.devCert = &cert
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
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

// GetAutocertManager is nil unless autocert is active; the server uses
// it to answer HTTP-01 challenges.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
