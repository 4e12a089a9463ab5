package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the webhook server.
	ListenAddr string `yaml:"listen"`

	DatabaseURL string `yaml:"database_url"`

	LineChannelSecret      string `yaml:"line_channel_secret"`
	LineChannelAccessToken string `yaml:"line_channel_access_token"`

	ZoomAccountID    string `yaml:"zoom_account_id"`
	ZoomClientID     string `yaml:"zoom_client_id"`
	ZoomClientSecret string `yaml:"zoom_client_secret"`

	// NotifierURL receives the notification payload when a task comes due.
	NotifierURL string `yaml:"notifier_url"`

	// Timezone is the IANA zone meeting start times are displayed and
	// interpreted in (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone"`

	// DispatchSchedule is a robfig/cron spec driving the notification
	// dispatcher (e.g. "@every 10s").
	DispatchSchedule string `yaml:"dispatch_schedule"`
}

// Load builds the configuration from the environment, then overlays the
// optional YAML file at path. File values win over env values.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr:             envDefault("LISTEN_ADDR", ":8080"),
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LineChannelSecret:      strings.TrimSpace(os.Getenv("LINE_CHANNEL_SECRET")),
		LineChannelAccessToken: strings.TrimSpace(os.Getenv("LINE_CHANNEL_ACCESS_TOKEN")),
		ZoomAccountID:          strings.TrimSpace(os.Getenv("ZOOM_ACCOUNT_ID")),
		ZoomClientID:           strings.TrimSpace(os.Getenv("ZOOM_CLIENT_ID")),
		ZoomClientSecret:       strings.TrimSpace(os.Getenv("ZOOM_CLIENT_SECRET")),
		NotifierURL:            strings.TrimSpace(os.Getenv("NOTIFIER_URL")),
		Timezone:               envDefault("TIMEZONE", "Asia/Tokyo"),
		DispatchSchedule:       envDefault("DISPATCH_SCHEDULE", "@every 10s"),
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"LINE_CHANNEL_SECRET", c.LineChannelSecret},
		{"LINE_CHANNEL_ACCESS_TOKEN", c.LineChannelAccessToken},
		{"ZOOM_ACCOUNT_ID", c.ZoomAccountID},
		{"ZOOM_CLIENT_ID", c.ZoomClientID},
		{"ZOOM_CLIENT_SECRET", c.ZoomClientSecret},
		{"NOTIFIER_URL", c.NotifierURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.DispatchSchedule); err != nil {
		return fmt.Errorf("invalid DISPATCH_SCHEDULE %q: %w", c.DispatchSchedule, err)
	}
	return nil
}

// Location resolves the configured display timezone. Load has already
// validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envDefault(k, d string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	return v
}
