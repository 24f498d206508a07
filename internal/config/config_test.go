package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":5500" {
		t.Errorf("Addr = %q, want :5500", cfg.Server.Addr)
	}
	if cfg.Dispatch.WindowBeforeHours != 144 || cfg.Dispatch.WindowFutureHours != 2 {
		t.Errorf("window = %d/%d, want 144/2", cfg.Dispatch.WindowBeforeHours, cfg.Dispatch.WindowFutureHours)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[server]
addr = ":9000"

[aggregate]
mode = "degrade"

[schedule]
cron = "*/30 * * * *"
templates = ["igwin", "seasonpoints"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Aggregate.Mode != ModeDegrade {
		t.Errorf("Mode = %q, want degrade", cfg.Aggregate.Mode)
	}
	if len(cfg.Schedule.Templates) != 2 {
		t.Errorf("Templates = %v, want 2 entries", cfg.Schedule.Templates)
	}
	// untouched sections keep their defaults
	if cfg.Assets.BackgroundField != 28 {
		t.Errorf("BackgroundField = %d, want 28", cfg.Assets.BackgroundField)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "[upstream]\nbot_url = \"http://bot.local/in\"\n")
	t.Setenv("RC_BOT_URL", "http://bot.env/in")
	t.Setenv("RC_DISPATCH_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.BotURL != "http://bot.env/in" {
		t.Errorf("BotURL = %q, want env value", cfg.Upstream.BotURL)
	}
	if cfg.Dispatch.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Dispatch.Workers)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "RC_LOG_LEVEL=debug\n")
	t.Setenv("RC_LOG_LEVEL", "")
	os.Unsetenv("RC_LOG_LEVEL")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("RC_LOG_LEVEL") })
	if got := os.Getenv("RC_LOG_LEVEL"); got != "debug" {
		t.Errorf("RC_LOG_LEVEL = %q, want debug", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Aggregate.Mode = "maybe" }, "aggregate mode"},
		{"relative bot url", func(c *Config) { c.Upstream.BotURL = "/bot" }, "upstream.bot_url"},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"negative retries", func(c *Config) { c.Upstream.RetryMax = -1 }, "retry_max"},
		{"bad cron", func(c *Config) { c.Schedule.Cron = "every day" }, "schedule.cron"},
		{"template with dash", func(c *Config) { c.Schedule.Templates = []string{"ig-win"} }, "schedule template"},
		{"token without chat", func(c *Config) { c.Notify.TelegramToken = "123:abc" }, "telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
