package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REFEREE_CONFIG_FILE", "")
	for _, k := range []string{"REFEREE_POLL_INTERVAL", "REFEREE_IMAP_PORT", "REFEREE_IMAP_MAILBOX",
		"REFEREE_CONTRACT_NAME", "REFEREE_SMTP_USERNAME", "REFEREE_MAIL_FROM", "REFEREE_POLL_MAX_FAILURES"} {
		t.Setenv(k, "")
	}
	t.Setenv("REFEREE_IMAP_USERNAME", "referee@example.com")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, 10, cfg.PollMaxFailures)
	assert.Equal(t, "INBOX", cfg.IMAPMailbox)
	assert.Equal(t, "CheckmateVerifierV2", cfg.ContractName)
	assert.Equal(t, "referee@example.com", cfg.SMTPUsername)
	assert.Equal(t, "referee@example.com", cfg.MailFrom)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "referee.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
imap_host: imap.file.example
poll_interval_seconds: 10
settle_workers: 2
contract_name: FromFile
`), 0o600))

	t.Setenv("REFEREE_CONFIG_FILE", path)
	t.Setenv("REFEREE_IMAP_DOMAIN", "")
	t.Setenv("REFEREE_POLL_INTERVAL", "")
	t.Setenv("REFEREE_SETTLE_WORKERS", "8")
	t.Setenv("REFEREE_CONTRACT_NAME", "")

	cfg := Load()
	assert.Equal(t, "imap.file.example", cfg.IMAPHost)
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 8, cfg.SettleWorkers)
	assert.Equal(t, "FromFile", cfg.ContractName)
}

func TestValidate(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x"}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "REFEREE_IMAP_DOMAIN")

	cfg = &Config{
		DatabaseURL:  "postgres://x",
		IMAPHost:     "imap.example.com",
		IMAPUsername: "u",
		IMAPPassword: "p",
		SMTPHost:     "smtp.example.com",
		ProverMode:   "remote",
	}
	require.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg.ProverURL = "http://prover"
	require.NoError(t, cfg.Validate())
}
