// Package security loads client TLS settings and resolves credential
// references for the sinks.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
)

// LoadTLSConfig builds a client TLS configuration. It returns nil when cfg
// is nil or disabled.
func LoadTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	// Client certificate for mutual TLS
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both cert_file and key_file are required for a client certificate")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// ResolveSecret dereferences a credential. Supported forms are
// env:VAR_NAME, file:/path/to/secret and plain text.
func ResolveSecret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("environment variable %s not found", name)
		}
		return value, nil

	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return ref, nil
}

type secretField struct {
	name  string
	value *string
}

// ResolveSinkSecrets replaces credential references in the sink settings
// with their values
func ResolveSinkSecrets(sinks *config.SinksConfig) error {
	var fields []secretField
	if k := sinks.Warehouse.Kafka; k != nil {
		fields = append(fields, secretField{"kafka sasl_password", &k.SASLPassword})
	}
	if q := sinks.Warehouse.SQL; q != nil {
		fields = append(fields, secretField{"sql dsn", &q.DSN})
	}
	if es := sinks.LiveStatus.Elasticsearch; es != nil {
		fields = append(fields,
			secretField{"elasticsearch password", &es.Password},
			secretField{"elasticsearch api_key", &es.APIKey},
		)
	}

	for _, f := range fields {
		if *f.value == "" {
			continue
		}
		value, err := ResolveSecret(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = value
	}
	return nil
}
