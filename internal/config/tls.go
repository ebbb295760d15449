package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ProxyTLS builds the *tls.Config for the public proxy listener.
// Returns nil, nil if no cert/key is configured (plaintext mode, e.g.
// behind an external TLS terminator).
func (c *Config) ProxyTLS() (*tls.Config, error) {
	if c.ProxyTLSCert == "" && c.ProxyTLSKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.ProxyTLSCert, c.ProxyTLSKey)
	if err != nil {
		return nil, fmt.Errorf("load proxy server cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	// A client CA turns the listener into mTLS, for setups where only a
	// fronting load balancer may reach the proxy directly.
	if c.ProxyTLSClientCA != "" {
		caPEM, err := os.ReadFile(c.ProxyTLSClientCA)
		if err != nil {
			return nil, fmt.Errorf("read proxy client CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse proxy client CA cert")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
