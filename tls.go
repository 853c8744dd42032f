package edge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// sessionTimeout is the 7-day TLS session lifetime from §4.4. No listener
// passes it to crypto/tls, which has no setting for it; the ticket
// lifetime in effect is crypto/tls's own built-in limit.
const sessionTimeout = 7 * 24 * time.Hour

// minHandshakeTimeout is the floor applied when deriving the TLS
// handshake timeout from ioTimeoutMs, per §4.4.
const minHandshakeTimeout = 3 * time.Second

// handshakeTimeout computes max(ioTimeoutMs/2, 3s).
func handshakeTimeout(ioTimeoutMs int) time.Duration {
	t := time.Duration(ioTimeoutMs) * time.Millisecond / 2
	if t < minHandshakeTimeout {
		return minHandshakeTimeout
	}
	return t
}

// loadCAPool reads caFile and returns a cert pool containing it. Shared by
// TLSServerConfig and TLSClientConfig, which otherwise trust CAs in
// opposite roles (verifying client certs vs. verifying the server).
func loadCAPool(caFile string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()
	b, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	if ok := certPool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("no CA certificates found in %s", caFile)
	}
	return certPool, nil
}

// TLSServerConfig is a convenience function that builds a tls.Config instance for TLS servers
// based on common options and certificate+key files.
func TLSServerConfig(caFile, crtFile, keyFile string, mutualTLS bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if mutualTLS {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if caFile != "" {
		certPool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = certPool
	}

	if crtFile != "" && keyFile != "" {
		var err error
		tlsConfig.Certificates = make([]tls.Certificate, 1)
		tlsConfig.Certificates[0], err = tls.LoadX509KeyPair(crtFile, keyFile)
		if err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

// TLSClientConfig is a convenience function that builds a tls.Config instance for TLS clients
// based on common options and certificate+key files.
func TLSClientConfig(caFile, crtFile, keyFile, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	// Add client key/cert if provided
	if crtFile != "" && keyFile != "" {
		certificate, err := tls.LoadX509KeyPair(crtFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate from %s", crtFile)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	// Load custom CA set if provided
	if caFile != "" {
		certPool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = certPool
	}
	return tlsConfig, nil
}

// ApplyTicketKey installs a freshly-derived session-ticket key on cfg. Go's
// crypto/tls only accepts 32-byte keys via SetSessionTicketKeys, so the
// 48-byte key produced by deriveTicketKey (§4.5) is folded down to the
// leading 32 bytes; the extra 16 bytes mirror the name+HMAC+AES layout the
// original TLS-terminating proxy this front-end is modeled on expects from
// its runtime, and are kept so the derivation stays compatible with that
// format if the listener is ever re-targeted at it.
func ApplyTicketKey(cfg *tls.Config, key [48]byte) {
	var k [32]byte
	copy(k[:], key[:32])
	cfg.SetSessionTicketKeys([][32]byte{k})
}

