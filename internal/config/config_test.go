package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ScheduledSendBatch != 50 || cfg.AutoReplyBatch != 20 || cfg.TriggerConcurrency != 5 {
		t.Errorf("unexpected batch defaults: %+v", cfg)
	}
	if cfg.ReplyMinDelay != 30*time.Second || cfg.ReplyMaxDelay != 90*time.Second {
		t.Errorf("unexpected delay defaults: %v-%v", cfg.ReplyMinDelay, cfg.ReplyMaxDelay)
	}
	if cfg.InboundRateLimit != 10 || cfg.InboundRateWindow != time.Minute {
		t.Errorf("unexpected rate limit defaults: %d/%v", cfg.InboundRateLimit, cfg.InboundRateWindow)
	}
	if cfg.LossDedup != 5*24*time.Hour || cfg.DropoutDedup != 7*24*time.Hour || cfg.JackpotDedup != 3*24*time.Hour {
		t.Errorf("unexpected dedup defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/outreach")
	t.Setenv("REPLY_MIN_DELAY", "5s")
	t.Setenv("REPLY_MAX_DELAY", "10s")
	t.Setenv("OUTREACH_TIMEZONE", "America/New_York")
	t.Setenv("TWILIO_VALIDATE_SIGNATURE", "true")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_WEBHOOK_URL", "https://example.com/webhooks/sms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DSN() != "postgres://u:p@localhost/outreach" {
		t.Errorf("unexpected DSN %q", cfg.DSN())
	}
	if cfg.ReplyMinDelay != 5*time.Second || cfg.ReplyMaxDelay != 10*time.Second {
		t.Errorf("delays not parsed: %v-%v", cfg.ReplyMinDelay, cfg.ReplyMaxDelay)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/New_York" {
		t.Errorf("unexpected location %v, %v", loc, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestDSNFallsBackToSQLite(t *testing.T) {
	cfg := Config{StateDir: "/tmp/op"}
	if got, want := cfg.DSN(), filepath.Join("/tmp/op", DefaultDBFileName); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.ReplyMinDelay = time.Minute
	cfg.ReplyMaxDelay = time.Second
	cfg.Timezone = "Mars/Olympus"
	cfg.AutoReplyBatch = 0
	cfg.LogFormat = "xml"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"reply delay", "timezone", "AUTO_REPLY_BATCH", "LOG_FORMAT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestValidateSignatureRequiresSecrets(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.TwilioValidateSig = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when signature validation lacks token and URL")
	}
}

func TestLogLevelValue(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (Config{LogLevel: in}).LogLevelValue(); got != want {
			t.Errorf("LogLevelValue(%q) = %v, want %v", in, got, want)
		}
	}
}
