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

// Config holds all configuration for the detection engine.
type Config struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	API       APIConfig       `yaml:"api"`
	Panel     PanelConfig     `yaml:"panel"`
	Detection DetectionConfig `yaml:"detection"`
	Persist   PersistConfig   `yaml:"persist"`
	Notify    NotifyConfig    `yaml:"notify"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	LogLevel  string          `yaml:"log_level"`
}

// IngestConfig holds the TCP log-ingest listener settings.
type IngestConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	MaxLineBytes       int    `yaml:"max_line_bytes"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
}

// IdleTimeout returns the per-connection read deadline as a duration.
func (c IngestConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Addr returns the listen address in host:port form.
func (c IngestConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// APIConfig holds the HTTP query API settings.
type APIConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	Token                 string `yaml:"token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the per-request deadline as a duration.
func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Addr returns the listen address in host:port form.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// PanelConfig holds the control-panel roster fetcher settings.
type PanelConfig struct {
	URL                 string `yaml:"url"`
	Token               string `yaml:"token"`
	ReloadSeconds       int    `yaml:"reload_seconds"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	PageSize            int    `yaml:"page_size"`
}

// ReloadInterval returns the roster refresh interval as a duration.
func (c PanelConfig) ReloadInterval() time.Duration {
	return time.Duration(c.ReloadSeconds) * time.Second
}

// FetchTimeout returns the per-fetch deadline as a duration.
func (c PanelConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DetectionConfig holds the sharing-detection thresholds.
type DetectionConfig struct {
	ConcurrentWindowSeconds int      `yaml:"concurrent_window_seconds"`
	TriggerPeriodSeconds    int      `yaml:"trigger_period_seconds"`
	TriggerCount            int      `yaml:"trigger_count"`
	BanlistThresholdSeconds int      `yaml:"banlist_threshold_seconds"`
	SubnetGrouping          bool     `yaml:"subnet_grouping"`
	WhitelistEmails         []string `yaml:"whitelist_emails"`
	RetentionSeconds        int      `yaml:"retention_seconds"`
	TickSeconds             int      `yaml:"tick_seconds"`
	RecentRequests          int      `yaml:"recent_requests"`
	ClearHysteresisTicks    int      `yaml:"clear_hysteresis_ticks"`
}

// ConcurrentWindow returns the concurrent-IP window as a duration.
func (c DetectionConfig) ConcurrentWindow() time.Duration {
	return time.Duration(c.ConcurrentWindowSeconds) * time.Second
}

// TriggerPeriod returns the trigger accumulation window as a duration.
func (c DetectionConfig) TriggerPeriod() time.Duration {
	return time.Duration(c.TriggerPeriodSeconds) * time.Second
}

// BanlistThreshold returns the continuous-violation time before banlisting.
func (c DetectionConfig) BanlistThreshold() time.Duration {
	return time.Duration(c.BanlistThresholdSeconds) * time.Second
}

// Retention returns the observation retention window as a duration.
func (c DetectionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// Tick returns the classifier tick interval as a duration.
func (c DetectionConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Whitelist returns the whitelist as a set keyed by email.
func (c DetectionConfig) Whitelist() map[string]struct{} {
	set := make(map[string]struct{}, len(c.WhitelistEmails))
	for _, e := range c.WhitelistEmails {
		e = strings.TrimSpace(e)
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

// PersistConfig holds banlist persistence settings. DatabaseURL takes
// precedence over RedisAddr when both are set.
type PersistConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// NotifyConfig holds Telegram notification settings. Both fields must be set
// for notifications to be enabled.
type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	IntervalSeconds  int    `yaml:"interval_seconds"`
	QueueSize        int    `yaml:"queue_size"`
}

// Enabled reports whether notification delivery is configured.
func (c NotifyConfig) Enabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

// Interval returns the per-user repeat-notification floor as a duration.
func (c NotifyConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// EnrichConfig holds ISP lookup settings.
type EnrichConfig struct {
	Enabled              bool `yaml:"enabled"`
	CacheSize            int  `yaml:"cache_size"`
	LookupTimeoutSeconds int  `yaml:"lookup_timeout_seconds"`
}

// LookupTimeout returns the per-lookup deadline as a duration.
func (c EnrichConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutSeconds) * time.Second
}

// Load reads an optional YAML config file and fills in defaults. A missing
// file is not an error; the service is normally configured via environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Ingest.Host == "" {
		cfg.Ingest.Host = "0.0.0.0"
	}
	if cfg.Ingest.Port == 0 {
		cfg.Ingest.Port = 9999
	}
	if cfg.Ingest.MaxLineBytes == 0 {
		cfg.Ingest.MaxLineBytes = 16 * 1024
	}
	if cfg.Ingest.IdleTimeoutSeconds == 0 {
		cfg.Ingest.IdleTimeoutSeconds = 300
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.RequestTimeoutSeconds == 0 {
		cfg.API.RequestTimeoutSeconds = 5
	}
	if cfg.Panel.ReloadSeconds == 0 {
		cfg.Panel.ReloadSeconds = 60
	}
	if cfg.Panel.FetchTimeoutSeconds == 0 {
		cfg.Panel.FetchTimeoutSeconds = 15
	}
	if cfg.Panel.PageSize == 0 {
		cfg.Panel.PageSize = 500
	}
	if cfg.Detection.ConcurrentWindowSeconds == 0 {
		cfg.Detection.ConcurrentWindowSeconds = 2
	}
	if cfg.Detection.TriggerPeriodSeconds == 0 {
		cfg.Detection.TriggerPeriodSeconds = 30
	}
	if cfg.Detection.TriggerCount == 0 {
		cfg.Detection.TriggerCount = 5
	}
	if cfg.Detection.BanlistThresholdSeconds == 0 {
		cfg.Detection.BanlistThresholdSeconds = 300
	}
	if cfg.Detection.RetentionSeconds == 0 {
		cfg.Detection.RetentionSeconds = 3600
	}
	if cfg.Detection.TickSeconds == 0 {
		cfg.Detection.TickSeconds = 1
	}
	if cfg.Detection.RecentRequests == 0 {
		cfg.Detection.RecentRequests = 200
	}
	if cfg.Detection.ClearHysteresisTicks == 0 {
		cfg.Detection.ClearHysteresisTicks = 1
	}
	if cfg.Notify.IntervalSeconds == 0 {
		cfg.Notify.IntervalSeconds = 300
	}
	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 64
	}
	if cfg.Enrich.CacheSize == 0 {
		cfg.Enrich.CacheSize = 1024
	}
	if cfg.Enrich.LookupTimeoutSeconds == 0 {
		cfg.Enrich.LookupTimeoutSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file first (if present), so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("TCP_HOST"); v != "" {
		cfg.Ingest.Host = v
	}
	setEnvInt(&cfg.Ingest.Port, "TCP_PORT")
	setEnvInt(&cfg.Ingest.MaxLineBytes, "MAX_LINE_BYTES")
	setEnvInt(&cfg.Ingest.IdleTimeoutSeconds, "IDLE_TIMEOUT_SECONDS")

	if v := os.Getenv("API_HOST"); v != "" {
		cfg.API.Host = v
	}
	setEnvInt(&cfg.API.Port, "API_PORT")
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	setEnvInt(&cfg.API.RequestTimeoutSeconds, "HTTP_TIMEOUT_SECONDS")

	if v := os.Getenv("PANEL_URL"); v != "" {
		cfg.Panel.URL = v
	}
	if v := os.Getenv("PANEL_TOKEN"); v != "" {
		cfg.Panel.Token = v
	}
	setEnvInt(&cfg.Panel.ReloadSeconds, "PANEL_RELOAD_SECONDS")
	setEnvInt(&cfg.Panel.FetchTimeoutSeconds, "PANEL_FETCH_TIMEOUT_SECONDS")

	setEnvInt(&cfg.Detection.ConcurrentWindowSeconds, "CONCURRENT_WINDOW")
	setEnvInt(&cfg.Detection.TriggerPeriodSeconds, "TRIGGER_PERIOD")
	setEnvInt(&cfg.Detection.TriggerCount, "TRIGGER_COUNT")
	setEnvInt(&cfg.Detection.BanlistThresholdSeconds, "BANLIST_THRESHOLD_SECONDS")
	setEnvInt(&cfg.Detection.RetentionSeconds, "RETENTION_SECONDS")
	setEnvInt(&cfg.Detection.TickSeconds, "CLASSIFIER_TICK_SECONDS")
	setEnvInt(&cfg.Detection.RecentRequests, "RECENT_REQUESTS")
	setEnvInt(&cfg.Detection.ClearHysteresisTicks, "CLEAR_HYSTERESIS_TICKS")
	if v := os.Getenv("SUBNET_GROUPING"); v != "" {
		cfg.Detection.SubnetGrouping = parseBool(v)
	}
	if v := os.Getenv("WHITELIST_EMAILS"); v != "" {
		cfg.Detection.WhitelistEmails = splitList(v)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Persist.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Persist.RedisAddr = v
	}
	setEnvInt(&cfg.Persist.RedisDB, "REDIS_DB")

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.TelegramChatID = v
	}
	setEnvInt(&cfg.Notify.IntervalSeconds, "NOTIFY_INTERVAL_SECONDS")

	if v := os.Getenv("ISP_LOOKUP"); v != "" {
		cfg.Enrich.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate checks the settings that must be present before startup. Failing
// any of these is fatal per the exit-code contract.
func (c *Config) Validate() error {
	var errs []error
	if c.Panel.URL == "" {
		errs = append(errs, errors.New("PANEL_URL is required"))
	}
	if c.Panel.Token == "" {
		errs = append(errs, errors.New("PANEL_TOKEN is required"))
	}
	if c.API.Token == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid ingest port %d", c.Ingest.Port))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid API port %d", c.API.Port))
	}
	if c.Detection.ConcurrentWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("CONCURRENT_WINDOW must be >= 0, got %d", c.Detection.ConcurrentWindowSeconds))
	}
	return errors.Join(errs...)
}

func setEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
