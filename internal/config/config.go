// Package config loads custodyd configuration from a YAML file with
// environment-variable overrides for secrets that should not live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for custodyd.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	KMS      KMSConfig      `yaml:"kms"`
	Blob     BlobConfig     `yaml:"blob"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Audit    AuditConfig    `yaml:"audit"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CryptoConfig selects the payload AEAD and the custodian RSA key pair used by
// the asymmetric wrap tier. Empty algorithm means auto-detect from CPU features.
type CryptoConfig struct {
	Algorithm          string `yaml:"algorithm"`
	CustodianPublicKey string `yaml:"custodian_public_key_path"`
	CustodianPrivate   string `yaml:"custodian_private_key_path"`
}

// KMSConfig configures the KMIP key manager. Absence (empty endpoint) is a
// valid state: the wrap chain falls to the asymmetric tier.
type KMSConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	KeyID      string        `yaml:"key_id"`
	CACert     string        `yaml:"ca_cert_path"`
	ClientCert string        `yaml:"client_cert_path"`
	ClientKey  string        `yaml:"client_key_path"`
	Timeout    time.Duration `yaml:"timeout"`
	Provider   string        `yaml:"provider"`
}

// Configured reports whether a KMS endpoint is set.
func (c KMSConfig) Configured() bool { return c.Endpoint != "" }

// BlobConfig configures the S3-compatible ciphertext store.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// DatabaseConfig configures the PostgreSQL custody store. Empty DSN selects the
// in-memory store (development only).
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// LedgerConfig configures the anchoring client and its retry worker.
type LedgerConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       time.Duration     `yaml:"timeout"`
	RetryInterval time.Duration     `yaml:"retry_interval"`
	MaxBackoff    time.Duration     `yaml:"max_backoff"`
	SubjectSalt   string            `yaml:"subject_salt"`
}

// Configured reports whether anchoring is enabled.
func (c LedgerConfig) Configured() bool { return c.Endpoint != "" }

// AuditConfig configures the audit event log.
type AuditConfig struct {
	Enabled            bool            `yaml:"enabled"`
	MaxEvents          int             `yaml:"max_events"`
	RedactMetadataKeys []string        `yaml:"redact_metadata_keys"`
	Sink               AuditSinkConfig `yaml:"sink"`
}

// AuditSinkConfig selects where audit events go.
type AuditSinkConfig struct {
	Type          string            `yaml:"type"` // stdout, file, http
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// AuthConfig configures bearer-token verification. The signing key is shared
// with the registration frontend that issues tokens.
type AuthConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads the YAML file at path, applies defaults and env overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8443",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		KMS: KMSConfig{
			Timeout:  10 * time.Second,
			Provider: "kmip",
		},
		Blob: BlobConfig{
			Region: "us-east-1",
			Prefix: "kyc",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Ledger: LedgerConfig{
			Timeout:       10 * time.Second,
			RetryInterval: 30 * time.Second,
			MaxBackoff:    10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 1000,
			Sink:      AuditSinkConfig{Type: "stdout"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CUSTODY_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("CUSTODY_BLOB_ACCESS_KEY"); v != "" {
		c.Blob.AccessKey = v
	}
	if v := os.Getenv("CUSTODY_BLOB_SECRET_KEY"); v != "" {
		c.Blob.SecretKey = v
	}
	if v := os.Getenv("CUSTODY_JWT_SIGNING_KEY"); v != "" {
		c.Auth.JWTSigningKey = v
	}
	if v := os.Getenv("CUSTODY_LEDGER_SUBJECT_SALT"); v != "" {
		c.Ledger.SubjectSalt = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.KMS.Configured() && c.KMS.KeyID == "" {
		return fmt.Errorf("kms.key_id is required when kms.endpoint is set")
	}
	if c.Blob.Endpoint != "" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required when blob.endpoint is set")
	}
	switch c.Audit.Sink.Type {
	case "", "stdout", "file", "http":
	default:
		return fmt.Errorf("unknown audit sink type: %s", c.Audit.Sink.Type)
	}
	if c.Audit.Sink.Type == "file" && c.Audit.Sink.FilePath == "" {
		return fmt.Errorf("audit.sink.file_path is required for the file sink")
	}
	if c.Audit.Sink.Type == "http" && c.Audit.Sink.Endpoint == "" {
		return fmt.Errorf("audit.sink.endpoint is required for the http sink")
	}
	return nil
}
