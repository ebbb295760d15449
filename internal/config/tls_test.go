package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyTLS_NoConfig(t *testing.T) {
	cfg := &Config{}
	tlsCfg, err := cfg.ProxyTLS()
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)
}

func TestProxyTLS_ValidCertKey(t *testing.T) {
	certPath, keyPath, _ := generateTestCert(t)

	cfg := &Config{
		ProxyTLSCert: certPath,
		ProxyTLSKey:  keyPath,
	}
	tlsCfg, err := cfg.ProxyTLS()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.Nil(t, tlsCfg.ClientCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestProxyTLS_MissingCertFile(t *testing.T) {
	cfg := &Config{
		ProxyTLSCert: "/nonexistent/cert.pem",
		ProxyTLSKey:  "/nonexistent/key.pem",
	}
	_, err := cfg.ProxyTLS()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load proxy server cert")
}

func TestProxyTLS_WithClientCA(t *testing.T) {
	certPath, keyPath, caCertPath := generateTestCert(t)

	cfg := &Config{
		ProxyTLSCert:     certPath,
		ProxyTLSKey:      keyPath,
		ProxyTLSClientCA: caCertPath,
	}
	tlsCfg, err := cfg.ProxyTLS()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.NotNil(t, tlsCfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, tlsCfg.ClientAuth)
}

func TestProxyTLS_InvalidClientCA(t *testing.T) {
	certPath, keyPath, _ := generateTestCert(t)

	badCA := filepath.Join(t.TempDir(), "bad-ca.pem")
	os.WriteFile(badCA, []byte("not a cert"), 0o600)

	cfg := &Config{
		ProxyTLSCert:     certPath,
		ProxyTLSKey:      keyPath,
		ProxyTLSClientCA: badCA,
	}
	_, err := cfg.ProxyTLS()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse proxy client CA cert")
}

// generateTestCert creates a self-signed CA and server cert for testing.
// Returns paths to (cert.pem, key.pem, ca.pem).
func generateTestCert(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caCertPath, "CERTIFICATE", caCertDER)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "notehub.test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caTemplate, &serverKey.PublicKey, caKey)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "cert.pem")
	writePEM(t, certPath, "CERTIFICATE", serverCertDER)

	keyDER, err := x509.MarshalECPrivateKey(serverKey)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "key.pem")
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)

	return certPath, keyPath, caCertPath
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}))
}
