package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// tlsSettings accumulates TLS options until a new context is requested.
type tlsSettings struct {
	mode        TLSMode
	caFile      string
	caPath      string
	certFile    string
	keyFile     string
	requireCert RequireCert
}

// buildTLSConfig loads the configured CA material and client key pair. The
// returned config has no ServerName; callers set it per dial.
func buildTLSConfig(s tlsSettings) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if s.requireCert != RequireCertUnset && !s.requireCert.Verify() {
		tlsConfig.InsecureSkipVerify = true
	}

	if s.caFile != "" || s.caPath != "" {
		pool := x509.NewCertPool()

		if s.caFile != "" {
			pem, err := os.ReadFile(s.caFile)
			if err != nil {
				return nil, fmt.Errorf("read CA file: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in CA file %s", s.caFile)
			}
		}

		if s.caPath != "" {
			if err := appendCertsFromDir(pool, s.caPath); err != nil {
				return nil, err
			}
		}

		tlsConfig.RootCAs = pool
	}

	if s.certFile != "" && s.keyFile != "" {
		certificate, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client X509 key pair: %w", err)
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, certificate)
	} else if s.certFile != "" || s.keyFile != "" {
		return nil, errors.New("both certificate_file and private_key_file must be set")
	}

	return tlsConfig, nil
}

// appendCertsFromDir adds every PEM file in dir to pool. Files that hold no
// certificates are skipped.
func appendCertsFromDir(pool *x509.CertPool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read CA path: %w", err)
	}

	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		pem, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if pool.AppendCertsFromPEM(pem) {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("no certificates found in CA path %s", dir)
	}
	return nil
}
