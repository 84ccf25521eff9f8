package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/migadu/sievemgr/client"
	"github.com/migadu/sievemgr/config"
)

// tlsOptions loads the certificates named in cfg.
func tlsOptions(cfg config.TLSConfig) (client.TLSOptions, error) {
	opts := client.TLSOptions{
		ServerName:         cfg.ServerName,
		PinnedFingerprints: cfg.PinnedFingerprints,
		AllowedErrors:      cfg.AllowedErrors,
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return opts, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return opts, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
		}
		opts.RootCAs = pool
	}

	if cfg.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return opts, fmt.Errorf("failed to load client certificate: %w", err)
		}
		opts.Certificates = []tls.Certificate{cert}
	}

	switch cfg.MinVersion {
	case "1.3":
		opts.MinVersion = tls.VersionTLS13
	case "", "1.2":
		opts.MinVersion = tls.VersionTLS12
	default:
		return opts, fmt.Errorf("invalid tls min_version '%s'", cfg.MinVersion)
	}
	return opts, nil
}
