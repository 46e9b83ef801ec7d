package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// LoadClientTLS builds a *tls.Config for dialing the Pulse broker over
// AMQP-over-TLS. A nil, nil return means TLS is disabled and the dialer
// should fall back to a plain connection.
func LoadClientTLS(cfg Config) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         cfg.MinVersion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.ClientCA != "" {
		caCert, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caPool
	}

	log.Debug().
		Bool("client_cert", cfg.CertFile != "").
		Bool("skip_verify", cfg.InsecureSkipVerify).
		Str("min_version", cfg.MinVersionName()).
		Msg("loaded pulse TLS configuration")

	return tlsConfig, nil
}
