package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Server.Addr)
	assert.Equal(t, "stdout", cfg.Audit.Sink.Type)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.KMS.Configured())
	assert.False(t, cfg.Ledger.Configured())
	assert.Equal(t, 30*time.Second, cfg.Ledger.RetryInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9000"
  read_timeout: 5s
kms:
  endpoint: "kms.internal:5696"
  key_id: "wrapping-key-1"
blob:
  endpoint: "http://minio:9000"
  bucket: "kyc-blobs"
  path_style: true
ledger:
  endpoint: "http://ledger-gw:8080/anchor"
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.KMS.Configured())
	assert.Equal(t, "wrapping-key-1", cfg.KMS.KeyID)
	assert.True(t, cfg.Blob.PathStyle)
	assert.True(t, cfg.Ledger.Configured())
	assert.Equal(t, "debug", cfg.Log.Level)

	// File values merge over defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "kyc", cfg.Blob.Prefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUSTODY_DB_DSN", "postgres://env")
	t.Setenv("CUSTODY_JWT_SIGNING_KEY", "env-signing-key")
	t.Setenv("CUSTODY_LEDGER_SUBJECT_SALT", "env-salt")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, "env-signing-key", cfg.Auth.JWTSigningKey)
	assert.Equal(t, "env-salt", cfg.Ledger.SubjectSalt)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "kms endpoint without key id",
			mutate:  func(c *Config) { c.KMS.Endpoint = "kms:5696" },
			wantErr: "kms.key_id",
		},
		{
			name: "blob endpoint without bucket",
			mutate: func(c *Config) {
				c.Blob.Endpoint = "http://minio:9000"
				c.Blob.Bucket = ""
			},
			wantErr: "blob.bucket",
		},
		{
			name:    "unknown sink",
			mutate:  func(c *Config) { c.Audit.Sink.Type = "kafka" },
			wantErr: "unknown audit sink",
		},
		{
			name:    "file sink without path",
			mutate:  func(c *Config) { c.Audit.Sink.Type = "file" },
			wantErr: "file_path",
		},
		{
			name:    "http sink without endpoint",
			mutate:  func(c *Config) { c.Audit.Sink.Type = "http" },
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, Default().Validate())
}
