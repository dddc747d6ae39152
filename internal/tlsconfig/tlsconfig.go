// Package tlsconfig builds the mutual TLS configuration shared by agentd and
// agentctl.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrNoServerName is returned for a client config without a ServerName.
var ErrNoServerName = errors.New("server name is required to verify the agentd certificate")

type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string

	// ServerName is verified against the agentd certificate. Client only. A
	// host:port address is accepted and the port ignored.
	ServerName string

	// Server requires and verifies client certificates signed by the CA.
	Server bool
}

// SetupTLS returns a TLS 1.3 config for agentd (Server) or agentctl. Both
// sides present a key pair and trust only certificates signed by the CA.
func SetupTLS(config *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair '%s': %w", config.CertPath, err)
	}

	pool, err := loadCertPool(config.CACertPath)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool

		return tlsConfig, nil
	}

	serverName := config.ServerName
	if host, _, err := net.SplitHostPort(serverName); err == nil {
		serverName = host
	}

	if serverName == "" {
		return nil, ErrNoServerName
	}

	tlsConfig.RootCAs = pool
	tlsConfig.ServerName = serverName

	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in '%s'", path)
	}

	return pool, nil
}
