package web

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"maintenance-worker/internal/config"
)

// TLSConfig returns the listener TLS settings for the metrics endpoints, or
// nil when no certificate is configured. The key pair is re-read whenever
// the certificate file changes so rotated certificates apply without a
// restart. A client CA bundle turns on mutual TLS.
func TLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.MetricsTLSCert == "" && cfg.MetricsTLSKey == "" && cfg.MetricsTLSClientCA == "" {
		return nil, nil
	}
	if cfg.MetricsTLSCert == "" || cfg.MetricsTLSKey == "" {
		return nil, errors.New("metrics TLS needs both a certificate and a key")
	}
	kp := &keyPair{certFile: cfg.MetricsTLSCert, keyFile: cfg.MetricsTLSKey}
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	out := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return kp.get()
		},
	}
	if cfg.MetricsTLSClientCA != "" {
		pool, err := loadCAPool(cfg.MetricsTLSClientCA)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}

type keyPair struct {
	certFile, keyFile string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

// get returns the cached certificate, reloading it when the certificate
// file's modification time moved. A failed reload keeps serving the last
// good certificate.
func (k *keyPair) get() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	info, err := os.Stat(k.certFile)
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, fmt.Errorf("stat metrics TLS certificate: %w", err)
	}
	if k.cert != nil && info.ModTime().Equal(k.modTime) {
		return k.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, fmt.Errorf("load metrics TLS key pair: %w", err)
	}
	k.cert, k.modTime = &cert, info.ModTime()
	return k.cert, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metrics TLS client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("metrics TLS client CA %s has no PEM certificates", path)
	}
	return pool, nil
}
