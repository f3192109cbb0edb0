// Package config loads OutreachPipe configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutreachPipe state data
	DefaultStateDir = "/var/lib/outreachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "outreachpipe.db"
)

// Config is parsed once at startup and handed to every constructor.
type Config struct {
	// Service
	APIAddr   string `env:"API_ADDR" envDefault:":8080"`
	StateDir  string `env:"OUTREACHPIPE_STATE_DIR" envDefault:"/var/lib/outreachpipe"`
	JobsToken string `env:"JOBS_TOKEN"`

	// Database
	DatabaseURL  string        `env:"DATABASE_URL"`
	QueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT" envDefault:"5s"`

	// Redis, optional. When empty the in-process rate limiter and no-op lock are used.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"outreachpipe"`

	// Twilio
	TwilioAccountSID   string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string        `env:"TWILIO_FROM_NUMBER"`
	TwilioValidateSig  bool          `env:"TWILIO_VALIDATE_SIGNATURE" envDefault:"false"`
	TwilioWebhookURL   string        `env:"TWILIO_WEBHOOK_URL"`
	SMSTimeout         time.Duration `env:"SMS_TIMEOUT" envDefault:"10s"`
	SMSSendRate        float64       `env:"SMS_SEND_RATE" envDefault:"5"`
	DefaultPhoneRegion string        `env:"DEFAULT_PHONE_REGION" envDefault:"US"`

	// OpenAI
	OpenAIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
	OpenAIDebug   bool          `env:"OPENAI_DEBUG" envDefault:"false"`

	// Scheduling and batches
	Timezone             string        `env:"OUTREACH_TIMEZONE" envDefault:"UTC"`
	TriggerConcurrency   int           `env:"TRIGGER_CONCURRENCY" envDefault:"5"`
	ScheduledSendBatch   int           `env:"SCHEDULED_SEND_BATCH" envDefault:"50"`
	AutoReplyBatch       int           `env:"AUTO_REPLY_BATCH" envDefault:"20"`
	TriggerDetectionCron string        `env:"TRIGGER_DETECTION_CRON" envDefault:"0 * * * *"`
	ScheduledSendCron    string        `env:"SCHEDULED_SEND_CRON" envDefault:"*/15 * * * *"`
	AutoReplyCron        string        `env:"AUTO_REPLY_CRON" envDefault:"* * * * *"`
	StaleClaimAfter      time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"10m"`

	// Inbound
	ReplyMinDelay     time.Duration `env:"REPLY_MIN_DELAY" envDefault:"30s"`
	ReplyMaxDelay     time.Duration `env:"REPLY_MAX_DELAY" envDefault:"90s"`
	InboundRateLimit  int           `env:"INBOUND_RATE_LIMIT" envDefault:"10"`
	InboundRateWindow time.Duration `env:"INBOUND_RATE_WINDOW" envDefault:"1m"`

	// Trigger thresholds
	MissedPatternGraceHours int           `env:"MISSED_PATTERN_GRACE_HOURS" envDefault:"2"`
	DropoutMinActiveWeeks   int           `env:"DROPOUT_MIN_ACTIVE_WEEKS" envDefault:"3"`
	DropoutInactiveDays     int           `env:"DROPOUT_INACTIVE_DAYS" envDefault:"7"`
	JackpotThreshold        float64       `env:"JACKPOT_PROXIMITY_THRESHOLD" envDefault:"0.85"`
	LossThreshold           float64       `env:"LOSS_THRESHOLD" envDefault:"500"`
	LossWindow              time.Duration `env:"LOSS_WINDOW" envDefault:"72h"`
	DropoutDedup            time.Duration `env:"DROPOUT_DEDUP" envDefault:"168h"`
	JackpotDedup            time.Duration `env:"JACKPOT_DEDUP" envDefault:"72h"`
	LossDedup               time.Duration `env:"LOSS_DEDUP" envDefault:"120h"`

	// Persona
	PersonaName string `env:"PERSONA_NAME" envDefault:"friendly_host"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Config.Load: no .env file loaded", "error", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// DSN returns the configured database DSN, falling back to a SQLite file in the state directory.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// Location returns the configured outreach timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TwilioConfigured reports whether SMS credentials are present.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// LogLevelValue maps LogLevel onto a slog level, defaulting to info.
func (c Config) LogLevelValue() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.ReplyMinDelay < 0 || c.ReplyMaxDelay < c.ReplyMinDelay {
		errs = append(errs, fmt.Errorf("reply delay range [%s, %s] is invalid", c.ReplyMinDelay, c.ReplyMaxDelay))
	}
	if c.ScheduledSendBatch <= 0 {
		errs = append(errs, errors.New("SCHEDULED_SEND_BATCH must be positive"))
	}
	if c.AutoReplyBatch <= 0 {
		errs = append(errs, errors.New("AUTO_REPLY_BATCH must be positive"))
	}
	if c.TriggerConcurrency <= 0 {
		errs = append(errs, errors.New("TRIGGER_CONCURRENCY must be positive"))
	}
	if c.InboundRateLimit <= 0 || c.InboundRateWindow <= 0 {
		errs = append(errs, errors.New("inbound rate limit and window must be positive"))
	}
	if c.SMSSendRate <= 0 {
		errs = append(errs, errors.New("SMS_SEND_RATE must be positive"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("DB_QUERY_TIMEOUT must be positive"))
	}
	if c.TwilioValidateSig && (c.TwilioAuthToken == "" || c.TwilioWebhookURL == "") {
		errs = append(errs, errors.New("signature validation requires TWILIO_AUTH_TOKEN and TWILIO_WEBHOOK_URL"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
