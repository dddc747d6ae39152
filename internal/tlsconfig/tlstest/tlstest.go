// Package tlstest generates throwaway certificates for mTLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Certs holds the paths of a generated CA, server key pair and client key
// pairs for the operator and viewer roles.
type Certs struct {
	CACert string

	ServerCert string
	ServerKey  string

	OperatorCert string
	OperatorKey  string

	ViewerCert string
	ViewerKey  string

	// UntrustedCert is an operator certificate signed by an unrelated CA.
	UntrustedCert string
	UntrustedKey  string
}

type issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// Generate writes a fresh set of certificates to a temporary directory. The
// server certificate is valid for localhost, 127.0.0.1 and ::1.
func Generate(t testing.TB) *Certs {
	t.Helper()

	dir := t.TempDir()
	certs := &Certs{}

	ca := newCA(t, "agentshell-test-ca")
	certs.CACert = writePEM(t, dir, "ca.crt", "CERTIFICATE", ca.cert.Raw)

	certs.ServerCert, certs.ServerKey = ca.issue(t, dir, "server", &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})

	certs.OperatorCert, certs.OperatorKey = ca.issue(t, dir, "client-operator", clientTemplate("alice", "operator"))
	certs.ViewerCert, certs.ViewerKey = ca.issue(t, dir, "client-viewer", clientTemplate("bob", "viewer"))

	rogue := newCA(t, "rogue-ca")
	certs.UntrustedCert, certs.UntrustedKey = rogue.issue(t, dir, "client-untrusted", clientTemplate("mallory", "operator"))

	return certs
}

func clientTemplate(cn, ou string) *x509.Certificate {
	return &x509.Certificate{
		Subject: pkix.Name{
			CommonName:         cn,
			OrganizationalUnit: []string{ou},
		},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
}

func newCA(t testing.TB, cn string) *issuer {
	t.Helper()

	key := newKey(t)

	template := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create CA certificate: '%v'", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: '%v'", err)
	}

	return &issuer{cert: cert, key: key}
}

func (i *issuer) issue(
	t testing.TB,
	dir, name string,
	template *x509.Certificate,
) (string, string) {
	t.Helper()

	key := newKey(t)

	template.SerialNumber = serial(t)
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(24 * time.Hour)
	template.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, template, i.cert, &key.PublicKey, i.key)
	if err != nil {
		t.Fatalf("failed to create %s certificate: '%v'", name, err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal %s key: '%v'", name, err)
	}

	certPath := writePEM(t, dir, name+".crt", "CERTIFICATE", der)
	keyPath := writePEM(t, dir, name+".key", "PRIVATE KEY", keyDER)

	return certPath, keyPath
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: '%v'", err)
	}

	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()

	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		t.Fatalf("failed to generate serial: '%v'", err)
	}

	return n
}

func writePEM(t testing.TB, dir, name, blockType string, der []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})

	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write %s: '%v'", name, err)
	}

	return path
}
