// Package certs loads trusted root certificates named by the environment.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// DefaultEnv is the variable consulted when no other name is configured.
const DefaultEnv = "SSL_CERT_FILE"

var (
	// ErrUnset is returned when the environment variable is empty or missing.
	ErrUnset = errors.New("certs: environment variable not set")

	// ErrNoCertificates is returned when a PEM file holds no certificates.
	ErrNoCertificates = errors.New("certs: no certificates found")
)

// PoolFromEnv reads the PEM file named by the environment variable env and
// returns its certificates as a pool. An empty env means DefaultEnv.
func PoolFromEnv(env string) (*x509.CertPool, error) {
	if env == "" {
		env = DefaultEnv
	}
	path := os.Getenv(env)
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnset, env)
	}
	return PoolFromFile(path)
}

// PoolFromFile parses every CERTIFICATE block in the PEM file at path.
func PoolFromFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificates: %w", err)
	}
	return PoolFromPEM(data)
}

// PoolFromPEM is PoolFromFile for in-memory data. Blocks of other types are
// skipped; a malformed certificate fails the whole load.
func PoolFromPEM(data []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", n, err)
		}
		pool.AddCert(cert)
		n++
	}
	if n == 0 {
		return nil, ErrNoCertificates
	}
	return pool, nil
}

// ClientConfig returns a TLS client configuration trusting the certificates
// named by env.
func ClientConfig(env string) (*tls.Config, error) {
	pool, err := PoolFromEnv(env)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
