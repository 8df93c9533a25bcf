// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dogwatch/internal/filter"
	"dogwatch/internal/model"
)

// Feed sources.
const (
	SourceTwitter = "twitter"
	SourceRSS     = "rss"
)

// Notification channels.
const (
	NotifierTwilio   = "twilio"
	NotifierTelegram = "telegram"
	NotifierNATS     = "nats"
)

// Staleness policies.
const (
	StaleCutoff  = "cutoff"
	StaleRolling = "rolling"
	StaleNone    = "none"
)

// Config holds the application configuration.
type Config struct {
	FeedSource         string
	FeedAccount        string
	PageSize           int
	TwitterBearerToken string
	TwitterAPIURL      string

	Notifier                  string
	NotifyTo                  string
	TwilioAccountSID          string
	TwilioAuthToken           string
	TwilioMessagingServiceSID string
	TwilioFrom                string
	TwilioAPIURL              string
	TelegramBotToken          string
	NATSURL                   string

	DatabasePath string
	StorageDSN   string

	DryRun      bool
	StalePolicy string
	StaleCutoff time.Time
	StaleMaxAge time.Duration
	Lookback    time.Duration
	Signature   string

	HTTPTimeout    time.Duration
	PushgatewayURL string
	LogLevel       string
}

// source resolves a variable from the environment first and from the
// optional YAML file second.
type source map[string]string

func (s source) get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s[key]); v != "" {
		return v
	}
	return def
}

func (s source) duration(key, def string) (time.Duration, error) {
	raw := s.get(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

// Load reads configuration from environment variables. When CONFIG_FILE
// names a YAML file of KEY: value pairs, its values fill in variables the
// environment leaves unset.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src = file
	}

	cfg := &Config{
		FeedSource:                strings.ToLower(src.get("FEED_SOURCE", SourceTwitter)),
		FeedAccount:               src.get("FEED_ACCOUNT", ""),
		TwitterBearerToken:        src.get("TWITTER_BEARER_TOKEN", ""),
		TwitterAPIURL:             src.get("TWITTER_API_URL", ""),
		Notifier:                  strings.ToLower(src.get("NOTIFIER", NotifierTwilio)),
		NotifyTo:                  src.get("NOTIFY_TO", ""),
		TwilioAccountSID:          src.get("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:           src.get("TWILIO_AUTH_TOKEN", ""),
		TwilioMessagingServiceSID: src.get("TWILIO_MESSAGING_SERVICE_SID", ""),
		TwilioFrom:                src.get("TWILIO_FROM", ""),
		TwilioAPIURL:              src.get("TWILIO_API_URL", ""),
		TelegramBotToken:          src.get("TELEGRAM_BOT_TOKEN", ""),
		NATSURL:                   src.get("NATS_URL", "nats://127.0.0.1:4222"),
		DatabasePath:              src.get("DATABASE_PATH", "./data/dogwatch.db"),
		StorageDSN:                src.get("STORAGE_DSN", ""),
		StalePolicy:               strings.ToLower(src.get("STALE_POLICY", StaleCutoff)),
		Signature:                 src.get("MESSAGE_SIGNATURE", "- Dog"),
		PushgatewayURL:            src.get("PUSHGATEWAY_URL", ""),
		LogLevel:                  src.get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PageSize, err = strconv.Atoi(src.get("FEED_PAGE_SIZE", "20")); err != nil || cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid FEED_PAGE_SIZE %q", src.get("FEED_PAGE_SIZE", "20"))
	}
	if cfg.DryRun, err = strconv.ParseBool(src.get("DRY_RUN", "false")); err != nil {
		return nil, fmt.Errorf("invalid DRY_RUN: %w", err)
	}
	if cfg.StaleCutoff, err = parseCutoff(src.get("STALE_CUTOFF", "2021-11-01")); err != nil {
		return nil, err
	}
	if cfg.StaleMaxAge, err = src.duration("STALE_MAX_AGE", "168h"); err != nil {
		return nil, err
	}
	if cfg.Lookback, err = src.duration("LOOKBACK", "168h"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = src.duration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.FeedAccount == "" {
		return fmt.Errorf("FEED_ACCOUNT is required")
	}
	switch c.FeedSource {
	case SourceTwitter:
		if c.TwitterBearerToken == "" {
			return fmt.Errorf("TWITTER_BEARER_TOKEN is required")
		}
	case SourceRSS:
	default:
		return fmt.Errorf("unknown FEED_SOURCE %q", c.FeedSource)
	}

	if c.NotifyTo == "" {
		return fmt.Errorf("NOTIFY_TO is required")
	}
	switch c.Notifier {
	case NotifierTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
		}
		if c.TwilioMessagingServiceSID == "" && c.TwilioFrom == "" {
			return fmt.Errorf("TWILIO_MESSAGING_SERVICE_SID or TWILIO_FROM is required")
		}
	case NotifierTelegram:
		if c.TelegramBotToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
		}
	case NotifierNATS:
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}

	switch c.StalePolicy {
	case StaleCutoff, StaleRolling, StaleNone:
	default:
		return fmt.Errorf("unknown STALE_POLICY %q", c.StalePolicy)
	}
	return nil
}

// StorageTarget returns the DSN handed to storage.Open.
func (c *Config) StorageTarget() string {
	if c.StorageDSN != "" {
		return c.StorageDSN
	}
	return c.DatabasePath
}

// StalenessRule builds the rule selected by StalePolicy.
func (c *Config) StalenessRule() filter.StalenessRule {
	switch c.StalePolicy {
	case StaleRolling:
		return filter.RollingWindow{MaxAge: c.StaleMaxAge}
	case StaleNone:
		return filter.Never{}
	default:
		return filter.Cutoff{Before: c.StaleCutoff}
	}
}

func parseCutoff(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006/01/02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	t, err := model.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid STALE_CUTOFF %q: %w", raw, err)
	}
	return t, nil
}

func readFile(path string) (source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	src := make(source, len(raw))
	for k, node := range raw {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parse config file %s: %s must be a scalar", path, k)
		}
		if node.Tag == "!!null" {
			continue
		}
		// Scalars are kept as written so dates and +E.164 numbers survive.
		src[strings.ToUpper(k)] = node.Value
	}
	return src, nil
}
