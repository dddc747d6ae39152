package tlsconfig_test

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/agentshell/internal/tlsconfig"
	"github.com/nixpig/agentshell/internal/tlsconfig/tlstest"
)

func TestSetupTLS(t *testing.T) {
	t.Parallel()

	certs := tlstest.Generate(t)

	caCertPath := certs.CACert
	serverCertPath := certs.ServerCert
	serverKeyPath := certs.ServerKey
	operatorCertPath := certs.OperatorCert
	operatorKeyPath := certs.OperatorKey

	t.Run("Test server TLS config", func(t *testing.T) {
		t.Parallel()

		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   serverCertPath,
			KeyPath:    serverKeyPath,
			CACertPath: caCertPath,
			Server:     true,
		})
		if err != nil {
			t.Errorf("expected TLS setup not to return error: got '%v'", err)
		}

		if tlsConfig.MinVersion != tls.VersionTLS13 {
			t.Errorf(
				"expected min TLS version: got '%v', want '%v'",
				tlsConfig.MinVersion,
				tls.VersionTLS13,
			)
		}

		if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
			t.Errorf(
				"expected client auth: got '%v', want '%v'",
				tlsConfig.ClientAuth,
				tls.RequireAndVerifyClientCert,
			)
		}

		if tlsConfig.ClientCAs == nil {
			t.Errorf("expected client CAs to be set")
		}

		if tlsConfig.InsecureSkipVerify != false {
			t.Errorf(
				"expected insecure skip verify: got '%t', want 'false'",
				tlsConfig.InsecureSkipVerify,
			)
		}
	})

	t.Run("Test client TLS config", func(t *testing.T) {
		t.Parallel()

		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   operatorCertPath,
			KeyPath:    operatorKeyPath,
			CACertPath: caCertPath,
			Server:     false,
			ServerName: "localhost",
		})
		if err != nil {
			t.Errorf("expected TLS setup not to return error: got '%v'", err)
		}

		if tlsConfig.MinVersion != tls.VersionTLS13 {
			t.Errorf(
				"expected min TLS version: got '%v', want '%v'",
				tlsConfig.MinVersion,
				tls.VersionTLS13,
			)
		}

		if tlsConfig.ServerName != "localhost" {
			t.Errorf(
				"expected server name: got '%s', want 'localhost'",
				tlsConfig.ServerName,
			)
		}

		if tlsConfig.InsecureSkipVerify != false {
			t.Errorf(
				"expected insecure skip verify: got '%t', want 'false'",
				tlsConfig.InsecureSkipVerify,
			)
		}
	})
	t.Run("Test both sides handshake", func(t *testing.T) {
		t.Parallel()

		serverConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   serverCertPath,
			KeyPath:    serverKeyPath,
			CACertPath: caCertPath,
			Server:     true,
		})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		clientConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   operatorCertPath,
			KeyPath:    operatorKeyPath,
			CACertPath: caCertPath,
			ServerName: "localhost",
		})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		listener, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer listener.Close()

		go func() {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()

			conn.(*tls.Conn).Handshake()
		}()

		conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
		if err != nil {
			t.Fatalf("expected handshake to succeed: got '%v'", err)
		}
		defer conn.Close()

		if conn.ConnectionState().Version != tls.VersionTLS13 {
			t.Errorf("expected TLS 1.3: got '%x'", conn.ConnectionState().Version)
		}
	})
}

func TestSetupTLSErrors(t *testing.T) {
	t.Parallel()

	certs := tlstest.Generate(t)
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.crt")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("failed to write file: '%v'", err)
	}

	scenarios := map[string]tlsconfig.Config{
		"missing certificate": {
			CertPath:   filepath.Join(dir, "missing.crt"),
			KeyPath:    certs.ServerKey,
			CACertPath: certs.CACert,
		},
		"mismatched key": {
			CertPath:   certs.ServerCert,
			KeyPath:    certs.OperatorKey,
			CACertPath: certs.CACert,
		},
		"missing CA": {
			CertPath:   certs.ServerCert,
			KeyPath:    certs.ServerKey,
			CACertPath: filepath.Join(dir, "missing-ca.crt"),
		},
		"invalid CA": {
			CertPath:   certs.ServerCert,
			KeyPath:    certs.ServerKey,
			CACertPath: garbage,
		},
		"client without server name": {
			CertPath:   certs.OperatorCert,
			KeyPath:    certs.OperatorKey,
			CACertPath: certs.CACert,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if _, err := tlsconfig.SetupTLS(&config); err == nil {
				t.Errorf("expected TLS setup to return error")
			}
		})
	}
}

func TestClientServerName(t *testing.T) {
	t.Parallel()

	certs := tlstest.Generate(t)

	scenarios := map[string]struct {
		serverName string
		want       string
		wantErr    error
	}{
		"hostname":      {serverName: "localhost", want: "localhost"},
		"host and port": {serverName: "localhost:8443", want: "localhost"},
		"empty":         {serverName: "", wantErr: tlsconfig.ErrNoServerName},
		"port only":     {serverName: ":8443", wantErr: tlsconfig.ErrNoServerName},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
				CertPath:   certs.OperatorCert,
				KeyPath:    certs.OperatorKey,
				CACertPath: certs.CACert,
				ServerName: data.serverName,
			})
			if !errors.Is(err, data.wantErr) {
				t.Fatalf("expected error: got '%v', want '%v'", err, data.wantErr)
			}

			if err == nil && tlsConfig.ServerName != data.want {
				t.Errorf("expected server name: got '%s', want '%s'", tlsConfig.ServerName, data.want)
			}
		})
	}
}

