// Package config loads the card renderer configuration.
//
// Values start from DefaultConfig, are overlaid by an optional TOML file and
// finally by RC_* environment variables (a .env file is read first when
// present). The result is checked by Validate before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Aggregation failure modes.
const (
	ModeFailFast = "fail_fast"
	ModeDegrade  = "degrade"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Paths      PathsConfig      `toml:"paths"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Assets     AssetsConfig     `toml:"assets"`
	Aggregate  AggregateConfig  `toml:"aggregate"`
	Screenshot ScreenshotConfig `toml:"screenshot"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `toml:"addr" env:"RC_ADDR"`
	// SelfURL is how the headless browser reaches this server.
	SelfURL string `toml:"self_url" env:"RC_SELF_URL"`
	// PublicURL prefixes image links handed to the bot.
	PublicURL string `toml:"public_url" env:"RC_PUBLIC_URL"`
}

// PathsConfig holds the base directories. Relative paths resolve against the
// working directory.
type PathsConfig struct {
	// TemplatesDir contains one directory per template with index.html and estilos.css.
	TemplatesDir string `toml:"templates_dir" env:"RC_TEMPLATES_DIR"`
	// ImagesDir is the PNG cache root.
	ImagesDir string `toml:"images_dir" env:"RC_IMAGES_DIR"`
	// PublicDir is served as static files (fonts, shared assets).
	PublicDir string `toml:"public_dir" env:"RC_PUBLIC_DIR"`
}

// UpstreamConfig holds the remote services this tool depends on.
type UpstreamConfig struct {
	// ResultsURL is the base of getResultsByEventId and getusers.
	ResultsURL string `toml:"results_url" env:"RC_RESULTS_URL"`
	// FieldsURL is the base of fieldValues and season_status.
	FieldsURL string `toml:"fields_url" env:"RC_FIELDS_URL"`
	// EventsURL lists recently finished events.
	EventsURL string `toml:"events_url" env:"RC_EVENTS_URL"`
	// BotURL receives the dispatch payloads.
	BotURL string `toml:"bot_url" env:"RC_BOT_URL"`
	// TimeoutSeconds bounds each data request.
	TimeoutSeconds int `toml:"timeout_seconds" env:"RC_UPSTREAM_TIMEOUT"`
	// BotTimeoutSeconds bounds each bot POST.
	BotTimeoutSeconds int `toml:"bot_timeout_seconds" env:"RC_BOT_TIMEOUT"`
	// RetryMax is the number of retries per request. Zero disables retries.
	RetryMax int `toml:"retry_max" env:"RC_RETRY_MAX"`
}

// AssetsConfig holds field ids and fallbacks of the field-value API.
type AssetsConfig struct {
	// BaseURL prefixes asset paths (backgrounds, brands, flags, logos).
	BaseURL string `toml:"base_url" env:"RC_ASSET_BASE_URL"`
	// BackgroundField is the field id of team background images.
	BackgroundField int `toml:"background_field"`
	// BrandField is the field id of team brand bands.
	BrandField int `toml:"brand_field"`
	// TeamLogoField is the field id of team car logos.
	TeamLogoField int `toml:"team_logo_field"`
	// SponsorField is the field id of sponsor images.
	SponsorField int `toml:"sponsor_field"`
	// DefaultTeam is used when a participant has no team.
	DefaultTeam string `toml:"default_team"`
	// DefaultLogoTeam is used when a team has no logo.
	DefaultLogoTeam string `toml:"default_logo_team"`
}

// AggregateConfig controls how upstream lookup failures are handled.
type AggregateConfig struct {
	// Mode is "fail_fast" or "degrade".
	Mode string `toml:"mode" env:"RC_AGGREGATE_MODE"`
}

// ScreenshotConfig controls the headless browser.
type ScreenshotConfig struct {
	// ChromePath overrides the browser executable lookup.
	ChromePath string `toml:"chrome_path" env:"RC_CHROME_PATH"`
	// TimeoutSeconds bounds one navigation plus capture.
	TimeoutSeconds int `toml:"timeout_seconds" env:"RC_RENDER_TIMEOUT"`
	// MaxBrowsers caps simultaneously running browsers.
	MaxBrowsers int `toml:"max_browsers" env:"RC_MAX_BROWSERS"`
	// NoSandbox disables the chrome sandbox (needed as root in containers).
	NoSandbox bool `toml:"no_sandbox" env:"RC_NO_SANDBOX"`
}

// DispatchConfig controls the dispatch pool and the recent-events window.
type DispatchConfig struct {
	// Workers is the number of dispatch jobs running at once.
	Workers int `toml:"workers" env:"RC_DISPATCH_WORKERS"`
	// QueueSize is the number of jobs that may wait for a worker.
	QueueSize int `toml:"queue_size"`
	// WindowBeforeHours selects events finished within this many hours.
	WindowBeforeHours int `toml:"window_before_hours"`
	// WindowFutureHours selects events starting within this many hours.
	WindowFutureHours int `toml:"window_future_hours"`
}

// ScheduleConfig triggers recent-events dispatches on a cron expression.
type ScheduleConfig struct {
	// Cron is a five-field cron expression. Empty disables the scheduler.
	Cron string `toml:"cron" env:"RC_SCHEDULE_CRON"`
	// Templates are dispatched in order on every tick.
	Templates []string `toml:"templates" env:"RC_SCHEDULE_TEMPLATES"`
}

// NotifyConfig holds the optional Telegram ops chat.
type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token" env:"RC_TELEGRAM_TOKEN"`
	TelegramChatID int64  `toml:"telegram_chat_id" env:"RC_TELEGRAM_CHAT_ID"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `toml:"level" env:"RC_LOG_LEVEL"`
	// File enables a rotating log file next to stderr output.
	File string `toml:"file" env:"RC_LOG_FILE"`
	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

// DefaultConfig returns the configuration the service shipped with.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":5500",
			SelfURL:   "http://localhost:5500",
			PublicURL: "http://localhost:5500",
		},
		Paths: PathsConfig{
			TemplatesDir: "public",
			ImagesDir:    "images",
			PublicDir:    "public",
		},
		Upstream: UpstreamConfig{
			ResultsURL:        "http://20.121.40.254:1337/api/v1/external",
			FieldsURL:         "https://api4.gpesportsrd.com",
			EventsURL:         "https://gpesportsrd.com/gpt/api/latestevents.php",
			BotURL:            "http://localhost:5000/receive-image-and-json",
			TimeoutSeconds:    15,
			BotTimeoutSeconds: 60,
			RetryMax:          0,
		},
		Assets: AssetsConfig{
			BaseURL:         "https://gpesportsrd.com",
			BackgroundField: 28,
			BrandField:      52,
			TeamLogoField:   54,
			SponsorField:    55,
			DefaultTeam:     "11",
			DefaultLogoTeam: "32",
		},
		Aggregate: AggregateConfig{Mode: ModeFailFast},
		Screenshot: ScreenshotConfig{
			TimeoutSeconds: 30,
			MaxBrowsers:    2,
			NoSandbox:      true,
		},
		Dispatch: DispatchConfig{
			Workers:           1,
			QueueSize:         16,
			WindowBeforeHours: 144,
			WindowFutureHours: 2,
		},
		Schedule: ScheduleConfig{
			Templates: []string{"igwin"},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// Loading
// ///////////////////////////////////////////////

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration from defaults, the TOML file at path (skipped
// when it does not exist) and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Aggregate.Mode {
	case ModeFailFast, ModeDegrade:
	default:
		return fmt.Errorf("invalid aggregate mode %q: must be %s or %s", c.Aggregate.Mode, ModeFailFast, ModeDegrade)
	}

	urls := map[string]string{
		"server.self_url":      c.Server.SelfURL,
		"server.public_url":    c.Server.PublicURL,
		"upstream.results_url": c.Upstream.ResultsURL,
		"upstream.fields_url":  c.Upstream.FieldsURL,
		"upstream.events_url":  c.Upstream.EventsURL,
		"upstream.bot_url":     c.Upstream.BotURL,
		"assets.base_url":      c.Assets.BaseURL,
	}
	for name, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s %q: must be an absolute URL", name, raw)
		}
	}

	positive := map[string]int{
		"upstream.timeout_seconds":     c.Upstream.TimeoutSeconds,
		"upstream.bot_timeout_seconds": c.Upstream.BotTimeoutSeconds,
		"screenshot.timeout_seconds":   c.Screenshot.TimeoutSeconds,
		"screenshot.max_browsers":      c.Screenshot.MaxBrowsers,
		"dispatch.workers":             c.Dispatch.Workers,
		"dispatch.window_before_hours": c.Dispatch.WindowBeforeHours,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("invalid %s %d: must be positive", name, v)
		}
	}
	if c.Upstream.RetryMax < 0 {
		return fmt.Errorf("invalid upstream.retry_max %d: must not be negative", c.Upstream.RetryMax)
	}
	if c.Dispatch.QueueSize < 0 || c.Dispatch.WindowFutureHours < 0 {
		return fmt.Errorf("invalid dispatch settings: queue_size and window_future_hours must not be negative")
	}

	if c.Schedule.Cron != "" {
		g := gronx.New()
		if !g.IsValid(c.Schedule.Cron) {
			return fmt.Errorf("invalid schedule.cron %q", c.Schedule.Cron)
		}
		if len(c.Schedule.Templates) == 0 {
			return fmt.Errorf("schedule.templates must not be empty when schedule.cron is set")
		}
	}
	for _, name := range c.Schedule.Templates {
		if name == "" || strings.ContainsAny(name, `-/\.`) {
			return fmt.Errorf("invalid schedule template %q", name)
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		return fmt.Errorf("notify.telegram_token and notify.telegram_chat_id must be set together")
	}
	return nil
}

// EnsureDirs creates the image cache root.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Paths.ImagesDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}
	return nil
}
