package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"waitlist-service/internal/config"
)

// ErrNoCertificate is returned in production when neither autocert nor a
// certificate file can serve the handshake.
var ErrNoCertificate = errors.New("no TLS certificate available")

// Manager resolves the serving certificate. Order: autocert, the configured
// key pair, then a self-signed certificate outside production.
type Manager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	fileCert   *tls.Certificate
	logger     *zap.Logger

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

func NewManager(cfg config.ServerConfig, environment string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		production: environment == config.EnvProduction,
		logger:     logger,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		m.fileCert = &cert
	}

	if cfg.AutoCert {
		if err := os.MkdirAll(cfg.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.AutoCertDir),
			Email:      cfg.Email,
		}
		logger.Info("AutoCert configured",
			zap.String("domain", cfg.Domain),
			zap.String("cache_dir", cfg.AutoCertDir))
	}

	return m, nil
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert failed, falling back", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	if m.fileCert != nil {
		return m.fileCert, nil
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.selfSigned()
}

// selfSigned generates (or reloads) the development certificate once.
func (m *Manager) selfSigned() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.cfg.AutoCertDir, m.logger).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
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

// HTTPHandler answers ACME http-01 challenges when autocert is enabled and
// hands every other request to fallback.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return fallback
	}
	return m.autoCert.HTTPHandler(fallback)
}
