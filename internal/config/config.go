package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration that makes the service unable to start.
var ErrConfig = errors.New("invalid configuration")

type Config struct {
	// Environment
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	// Database
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`

	// Redis
	RedisURL string `yaml:"redis_url"`

	// Admin API
	Port              string `yaml:"port"`
	FrontendURL       string `yaml:"frontend_url"`
	JWTSecret         string `yaml:"jwt_secret"`
	AdminTokenHash    string `yaml:"admin_token_hash"`
	SessionTimeoutMin int    `yaml:"session_timeout_minutes"`

	// Inbound mail (IMAP)
	IMAPHost     string `yaml:"imap_host"`
	IMAPPort     int    `yaml:"imap_port"`
	IMAPUsername string `yaml:"imap_username"`
	IMAPPassword string `yaml:"imap_password"`
	IMAPMailbox  string `yaml:"imap_mailbox"`

	// Outbound mail (SMTP)
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	MailFrom     string `yaml:"mail_from"`

	// Poll loop
	PollIntervalSecs int  `yaml:"poll_interval_seconds"`
	PollBackfill     bool `yaml:"poll_backfill"`
	PollMaxFailures  int  `yaml:"poll_max_failures"`

	// Notifications
	BoardImageURL string `yaml:"board_image_url"`

	// Settlement
	ContractName         string `yaml:"contract_name"`
	Identity             string `yaml:"identity"`
	ProgramID            string `yaml:"program_id"`
	LedgerURL            string `yaml:"ledger_url"`
	ProverURL            string `yaml:"prover_url"`
	ProverMode           string `yaml:"prover_mode"`
	ProofDir             string `yaml:"proof_dir"`
	ArchiveDir           string `yaml:"archive_dir"`
	SettleWorkers        int    `yaml:"settle_workers"`
	SettleQueueSize      int    `yaml:"settle_queue_size"`
	SettleMaxAttempts    int    `yaml:"settle_max_attempts"`
	SettleSweepSecs      int    `yaml:"settle_sweep_interval_seconds"`
	PublishTimeoutSecs   int    `yaml:"publish_timeout_seconds"`
	ProveTimeoutSecs     int    `yaml:"prove_timeout_seconds"`
	BroadcastTimeoutSecs int    `yaml:"broadcast_timeout_seconds"`
	CallRetries          int    `yaml:"call_retries"`
	CallBackoffMillis    int    `yaml:"call_backoff_millis"`
	SettleLockSecs       int    `yaml:"settle_lock_seconds"`
}

// Load reads configuration from an optional YAML file (REFEREE_CONFIG_FILE)
// and the environment. Environment variables win over the file.
func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("REFEREE_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}

	// Environment
	cfg.Environment = getEnv("APP_ENV", or(cfg.Environment, "development"))
	cfg.LogLevel = getEnv("LOG_LEVEL", or(cfg.LogLevel, "info"))
	cfg.LogJSON = getEnvBool("LOG_JSON", cfg.LogJSON)

	// Database
	cfg.DatabaseDriver = getEnv("DATABASE_DRIVER", or(cfg.DatabaseDriver, "postgres"))
	cfg.DatabaseURL = getEnv("DATABASE_URL", or(cfg.DatabaseURL, "postgres://localhost:5432/referee?sslmode=disable"))
	cfg.MigrateOnStart = getEnvBool("MIGRATE_ON_START", cfg.MigrateOnStart)

	// Redis
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	// Admin API
	cfg.Port = getEnv("APP_PORT", or(cfg.Port, "8080"))
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", or(cfg.JWTSecret, "change-me-in-production"))
	cfg.AdminTokenHash = getEnv("ADMIN_TOKEN_HASH", cfg.AdminTokenHash)
	cfg.SessionTimeoutMin = getEnvInt("SESSION_TIMEOUT_MINUTES", orInt(cfg.SessionTimeoutMin, 30))

	// Inbound mail
	cfg.IMAPHost = getEnv("REFEREE_IMAP_DOMAIN", cfg.IMAPHost)
	cfg.IMAPPort = getEnvInt("REFEREE_IMAP_PORT", orInt(cfg.IMAPPort, 993))
	cfg.IMAPUsername = getEnv("REFEREE_IMAP_USERNAME", cfg.IMAPUsername)
	cfg.IMAPPassword = getEnv("REFEREE_IMAP_PASSWORD", cfg.IMAPPassword)
	cfg.IMAPMailbox = getEnv("REFEREE_IMAP_MAILBOX", or(cfg.IMAPMailbox, "INBOX"))

	// Outbound mail
	cfg.SMTPHost = getEnv("REFEREE_SMTP_DOMAIN", cfg.SMTPHost)
	cfg.SMTPPort = getEnvInt("REFEREE_SMTP_PORT", orInt(cfg.SMTPPort, 587))
	cfg.SMTPUsername = getEnv("REFEREE_SMTP_USERNAME", or(cfg.SMTPUsername, cfg.IMAPUsername))
	cfg.SMTPPassword = getEnv("REFEREE_SMTP_PASSWORD", or(cfg.SMTPPassword, cfg.IMAPPassword))
	cfg.MailFrom = getEnv("REFEREE_MAIL_FROM", or(cfg.MailFrom, cfg.IMAPUsername))

	// Poll loop
	cfg.PollIntervalSecs = getEnvInt("REFEREE_POLL_INTERVAL", orInt(cfg.PollIntervalSecs, 3))
	cfg.PollBackfill = getEnvBool("REFEREE_POLL_BACKFILL", cfg.PollBackfill)
	cfg.PollMaxFailures = getEnvInt("REFEREE_POLL_MAX_FAILURES", orInt(cfg.PollMaxFailures, 10))

	// Notifications
	cfg.BoardImageURL = getEnv("REFEREE_BOARD_IMAGE_URL", or(cfg.BoardImageURL, "https://fen2image.chessvision.ai/"))

	// Settlement
	cfg.ContractName = getEnv("REFEREE_CONTRACT_NAME", or(cfg.ContractName, "CheckmateVerifierV2"))
	cfg.Identity = getEnv("REFEREE_IDENTITY", cfg.Identity)
	cfg.ProgramID = getEnv("REFEREE_PROGRAM_ID", or(cfg.ProgramID, "checkmate-verifier-v2"))
	cfg.LedgerURL = getEnv("REFEREE_LEDGER_URL", or(cfg.LedgerURL, "http://localhost:1317"))
	cfg.ProverURL = getEnv("REFEREE_PROVER_URL", cfg.ProverURL)
	cfg.ProverMode = getEnv("REFEREE_PROVER_MODE", or(cfg.ProverMode, "dev"))
	cfg.ProofDir = getEnv("REFEREE_PROOF_DIR", or(cfg.ProofDir, "proofs"))
	cfg.ArchiveDir = getEnv("REFEREE_ARCHIVE_DIR", or(cfg.ArchiveDir, "archive"))
	cfg.SettleWorkers = getEnvInt("REFEREE_SETTLE_WORKERS", orInt(cfg.SettleWorkers, 4))
	cfg.SettleQueueSize = getEnvInt("REFEREE_SETTLE_QUEUE_SIZE", orInt(cfg.SettleQueueSize, 16))
	cfg.SettleMaxAttempts = getEnvInt("REFEREE_SETTLE_MAX_ATTEMPTS", orInt(cfg.SettleMaxAttempts, 5))
	cfg.SettleSweepSecs = getEnvInt("REFEREE_SETTLE_SWEEP_INTERVAL", orInt(cfg.SettleSweepSecs, 60))
	cfg.PublishTimeoutSecs = getEnvInt("REFEREE_PUBLISH_TIMEOUT", orInt(cfg.PublishTimeoutSecs, 30))
	cfg.ProveTimeoutSecs = getEnvInt("REFEREE_PROVE_TIMEOUT", orInt(cfg.ProveTimeoutSecs, 900))
	cfg.BroadcastTimeoutSecs = getEnvInt("REFEREE_BROADCAST_TIMEOUT", orInt(cfg.BroadcastTimeoutSecs, 30))
	cfg.CallRetries = getEnvInt("REFEREE_CALL_RETRIES", orInt(cfg.CallRetries, 3))
	cfg.CallBackoffMillis = getEnvInt("REFEREE_CALL_BACKOFF_MS", orInt(cfg.CallBackoffMillis, 500))
	cfg.SettleLockSecs = getEnvInt("REFEREE_SETTLE_LOCK_SECONDS", orInt(cfg.SettleLockSecs, 1800))

	return cfg
}

// Validate reports settings the service cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.IMAPHost == "" {
		missing = append(missing, "REFEREE_IMAP_DOMAIN")
	}
	if c.IMAPUsername == "" || c.IMAPPassword == "" {
		missing = append(missing, "REFEREE_IMAP_USERNAME/REFEREE_IMAP_PASSWORD")
	}
	if c.SMTPHost == "" {
		missing = append(missing, "REFEREE_SMTP_DOMAIN")
	}
	if c.ProverMode == "remote" && c.ProverURL == "" {
		missing = append(missing, "REFEREE_PROVER_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) SettleSweepInterval() time.Duration {
	return time.Duration(c.SettleSweepSecs) * time.Second
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
