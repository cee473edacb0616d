//file: internal/broker/tls.go

package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
)

// newTLSConfig builds the client TLS configuration. Three shapes are
// supported: mutual TLS (client cert + key + CA), server verification
// against a private CA, and the system trust store when no CA is given.
func newTLSConfig(cfg *config.BrokerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify(),
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// AWS IoT custom-authorizer endpoints select the listener by ALPN
	if cfg.ALPNProtocol != "" {
		tlsConfig.NextProtos = []string{cfg.ALPNProtocol}
	}

	return tlsConfig, nil
}
