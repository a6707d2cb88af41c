package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 60, cfg.Queue.Interval)
	assert.Equal(t, 30, cfg.Queue.BaseDelay)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 300, cfg.Health.Interval)
	assert.True(t, cfg.Health.FastFail)
	assert.True(t, cfg.Brochure.RequireAttachment)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailroom.toml")

	content := `
[server]
listen = ":9090"

[mail]
from_address = "noreply@example.com"
from_name = "Example"
default_to = "office@example.com"

[[mail.transport]]
kind = "primary-smtp"
host = "smtp.example.com"
port = 465
username = "noreply@example.com"
password = "secret"
ssl = true

[[mail.transport]]
kind = "service-alias"
service = "gmail"
username = "fallback@gmail.com"
password = "app-password"

[queue]
interval = 120
base_delay = 60
max_attempts = 3

[health]
interval = 600
fast_fail = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "office@example.com", cfg.Mail.DefaultTo)
	require.Len(t, cfg.Mail.Transports, 2)
	assert.Equal(t, "smtp.example.com", cfg.Mail.Transports[0].Host)
	assert.True(t, cfg.Mail.Transports[0].SSL)
	assert.Equal(t, "gmail", cfg.Mail.Transports[1].Service)

	assert.Equal(t, 2*time.Minute, cfg.QueueInterval())
	assert.Equal(t, time.Minute, cfg.QueueBaseDelay())
	assert.Equal(t, 10*time.Minute, cfg.HealthInterval())
	assert.False(t, cfg.Health.FastFail)

	// Sections not in the file keep their defaults.
	assert.Equal(t, 4, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "./data/failures.db", cfg.FailLog.Path)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailroom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten=:::"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAILROOM_SMTP_USER", "env-user@example.com")
	t.Setenv("MAILROOM_SMTP_PASSWORD", "env-secret")
	t.Setenv("MAILROOM_DEFAULT_TO", "env-office@example.com")

	cfg := DefaultConfig()
	cfg.Mail.Transports = []TransportConfig{
		{Kind: "primary-smtp", Host: "smtp.example.com"},
		{Kind: "primary-smtp", Host: "smtp2.example.com", Password: "file-secret"},
	}
	cfg.applyEnvOverrides()

	assert.Equal(t, "env-user@example.com", cfg.Mail.Transports[0].Username)
	assert.Equal(t, "env-secret", cfg.Mail.Transports[0].Password)
	// Values in the file win over the environment.
	assert.Equal(t, "file-secret", cfg.Mail.Transports[1].Password)
	assert.Equal(t, "env-office@example.com", cfg.Mail.DefaultTo)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Mail.FromAddress = "noreply@example.com"
		cfg.Mail.DefaultTo = "office@example.com"
		cfg.Mail.Transports = []TransportConfig{
			{Kind: "primary-smtp", Host: "smtp.example.com", Username: "u", Password: "p"},
		}
		return cfg
	}

	assert.NoError(t, valid().Validate())

	noTransports := valid()
	noTransports.Mail.Transports = nil
	assert.True(t, errors.Is(noTransports.Validate(), ErrNoTransports))

	noRecipient := valid()
	noRecipient.Mail.DefaultTo = ""
	assert.Error(t, noRecipient.Validate())

	noFrom := valid()
	noFrom.Mail.FromAddress = ""
	assert.Error(t, noFrom.Validate())

	badAttempts := valid()
	badAttempts.Queue.MaxAttempts = 0
	assert.Error(t, badAttempts.Validate())

	badDelay := valid()
	badDelay.Queue.BaseDelay = -1
	assert.Error(t, badDelay.Validate())
}

func TestFindConfigFileExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	found, err := FindConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = FindConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
