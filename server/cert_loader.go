package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultCertCheckInterval = time.Minute

// CertLoader serves a TLS certificate from disk and picks up replacements,
// such as renewed certificates, without a restart.
type CertLoader struct {
	certFile      string
	keyFile       string
	logger        *slog.Logger
	checkInterval time.Duration

	mu        sync.Mutex
	cert      *tls.Certificate
	loadedAt  time.Time
	lastCheck time.Time
}

// NewCertLoader loads the key pair and returns a CertLoader serving it.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	l := &CertLoader{
		certFile:      certFile,
		keyFile:       keyFile,
		logger:        logger,
		checkInterval: defaultCertCheckInterval,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// TLSConfig returns a tls.Config that serves the loaded certificate.
func (l *CertLoader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: l.GetCertificate,
	}
}

// GetCertificate is a callback for tls.Config.GetCertificate. The files are
// checked at most once per check interval. The previous certificate is kept
// when the files cannot be read.
func (l *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCheck) < l.checkInterval {
		return l.cert, nil
	}
	l.lastCheck = time.Now()

	changed, err := l.changed()
	if err != nil {
		l.logger.Error("failed to stat certificate", "error", err)
		return l.cert, nil
	}
	if changed {
		if err := l.load(); err != nil {
			l.logger.Error("failed to reload certificate", "error", err)
		}
	}
	return l.cert, nil
}

// changed reports whether either file was modified after the last load. Requires mu.
func (l *CertLoader) changed() (bool, error) {
	for _, path := range []string{l.certFile, l.keyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if info.ModTime().After(l.loadedAt) {
			return true, nil
		}
	}
	return false, nil
}

// load reads the key pair. Requires mu, or exclusive access during construction.
func (l *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	l.cert = &cert
	l.loadedAt = time.Now()
	l.logger.Info("loaded tls certificate", "cert", l.certFile, "key", l.keyFile)
	return nil
}
