package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
)

func TestResolveSecret(t *testing.T) {
	t.Setenv("MACHINETAIL_TEST_SECRET", "env-value")

	secretFile := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secretFile, []byte("file-value\n"), 0600); err != nil {
		t.Fatalf("Failed to create secret file: %v", err)
	}

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"env:MACHINETAIL_TEST_SECRET", "env-value", false},
		{"file:" + secretFile, "file-value", false},
		{"plain-secret", "plain-secret", false},
		{"env:MACHINETAIL_NONEXISTENT_VAR", "", true},
		{"file:" + filepath.Join(t.TempDir(), "missing"), "", true},
	}

	for _, tt := range tests {
		got, err := ResolveSecret(tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveSecret(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveSecret(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestResolveSinkSecrets(t *testing.T) {
	t.Setenv("MACHINETAIL_TEST_DSN", "postgres://user:pw@db/machines")
	t.Setenv("MACHINETAIL_TEST_ES_KEY", "c2VjcmV0")

	sinks := config.SinksConfig{
		Warehouse: config.WarehouseConfig{
			Type: "sql",
			SQL:  &config.SQLConfig{DSN: "env:MACHINETAIL_TEST_DSN", Table: "records"},
		},
		LiveStatus: config.LiveStatusConfig{
			Type: "elasticsearch",
			Elasticsearch: &config.ElasticsearchConfig{
				Index:  "machine-status",
				APIKey: "env:MACHINETAIL_TEST_ES_KEY",
			},
		},
	}

	if err := ResolveSinkSecrets(&sinks); err != nil {
		t.Fatalf("ResolveSinkSecrets() error = %v", err)
	}

	if got := sinks.Warehouse.SQL.DSN; got != "postgres://user:pw@db/machines" {
		t.Errorf("DSN = %q", got)
	}
	if got := sinks.LiveStatus.Elasticsearch.APIKey; got != "c2VjcmV0" {
		t.Errorf("APIKey = %q", got)
	}
	if got := sinks.LiveStatus.Elasticsearch.Password; got != "" {
		t.Errorf("empty password resolved to %q", got)
	}
}

func TestResolveSinkSecretsMissing(t *testing.T) {
	sinks := config.SinksConfig{
		Warehouse: config.WarehouseConfig{
			Type:  "kafka",
			Kafka: &config.KafkaConfig{SASLPassword: "env:MACHINETAIL_NONEXISTENT_VAR"},
		},
	}

	if err := ResolveSinkSecrets(&sinks); err == nil {
		t.Error("expected error for missing environment variable")
	}
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	for _, cfg := range []*config.TLSConfig{nil, {Enabled: false, CAFile: "/nonexistent"}} {
		tlsCfg, err := LoadTLSConfig(cfg)
		if err != nil || tlsCfg != nil {
			t.Errorf("LoadTLSConfig(%+v) = %v, %v; want nil, nil", cfg, tlsCfg, err)
		}
	}
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir)

	tlsCfg, err := LoadTLSConfig(&config.TLSConfig{
		Enabled:  true,
		CAFile:   certFile,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}

	if tlsCfg.RootCAs == nil {
		t.Error("RootCAs not set")
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(tlsCfg.Certificates))
	}
	if tlsCfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should default to false")
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writeTestCert(t, dir)

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config.TLSConfig
	}{
		{"missing ca", config.TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}},
		{"unparsable ca", config.TLSConfig{Enabled: true, CAFile: garbage}},
		{"cert without key", config.TLSConfig{Enabled: true, CertFile: certFile}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := LoadTLSConfig(&cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// writeTestCert writes a self-signed certificate and its key
func writeTestCert(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "machinetail-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
