package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig enables mutual TLS between gRPC peers.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertPath string `yaml:"cert_path" json:"cert_path"`
	KeyPath  string `yaml:"key_path" json:"key_path"`
	// CAPath is the PEM bundle peers are verified against.
	CAPath            string `yaml:"ca_path" json:"ca_path"`
	RequireClientAuth bool   `yaml:"require_client_auth" json:"require_client_auth"`
	MinTLSVersion     string `yaml:"min_tls_version" json:"min_tls_version"`
}

// ServerCredentials returns nil when TLS is disabled.
func (c TLSConfig) ServerCredentials() (credentials.TransportCredentials, error) {
	if !c.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.minVersion(),
	}
	if c.RequireClientAuth {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}

// ClientCredentials falls back to insecure credentials when TLS is disabled.
func (c TLSConfig) ClientCredentials() (credentials.TransportCredentials, error) {
	if !c.Enabled {
		return insecure.NewCredentials(), nil
	}

	pool, err := loadCAPool(c.CAPath)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		RootCAs:    pool,
		MinVersion: c.minVersion(),
	}
	if c.CertPath != "" && c.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsConfig), nil
}

func (c TLSConfig) minVersion() uint16 {
	switch c.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
