package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/adsync-lab/geminisync/internal/planner"
)

// Config is the top-level extractor configuration: a YAML file plus
// GEMINISYNC_ environment overrides. Everything is validated before any
// extraction work begins.
type Config struct {
	API         APIConfig         `koanf:"api"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Sync        SyncConfig        `koanf:"sync"`
	Catalog     CatalogConfig     `koanf:"catalog"`
}

type APIConfig struct {
	Version   int    `koanf:"version"`
	Sandbox   bool   `koanf:"sandbox"`
	UserAgent string `koanf:"user_agent"`
}

type CredentialsConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RefreshToken string `koanf:"refresh_token"`
}

type AdvertiserConfig struct {
	ID       string `koanf:"id"`
	TimeZone string `koanf:"timezone"`
}

type SyncConfig struct {
	StartDate                      string             `koanf:"start_date"`
	Advertisers                    []AdvertiserConfig `koanf:"advertisers"`
	PollIntervalSeconds            float64            `koanf:"poll_interval_seconds"`
	MaxPollAttempts                int                `koanf:"max_poll_attempts"`
	PollTimeout                    string             `koanf:"poll_timeout"`
	MaxConcurrentJobsPerAdvertiser int                `koanf:"max_concurrent_jobs_per_advertiser"`
	ThrottleCooldown               string             `koanf:"throttle_cooldown"`
	Workers                        int                `koanf:"workers"`
}

type CatalogConfig struct {
	OverlayDir string   `koanf:"overlay_dir"`
	Select     []string `koanf:"select"`
}

// StartDay returns the parsed global historical start date.
func (c *Config) StartDay() (planner.Day, error) {
	return planner.ParseDay(c.Sync.StartDate)
}

// PollInterval returns the base poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds * float64(time.Second))
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Credentials.ClientID) == "" {
		return fmt.Errorf("credentials.client_id is required")
	}
	if strings.TrimSpace(c.Credentials.ClientSecret) == "" {
		return fmt.Errorf("credentials.client_secret is required")
	}
	if strings.TrimSpace(c.Credentials.RefreshToken) == "" {
		return fmt.Errorf("credentials.refresh_token is required")
	}

	if strings.TrimSpace(c.Sync.StartDate) == "" {
		return fmt.Errorf("sync.start_date is required")
	}
	if _, err := planner.ParseDay(c.Sync.StartDate); err != nil {
		return fmt.Errorf("invalid sync.start_date: %w", err)
	}

	if len(c.Sync.Advertisers) == 0 {
		return fmt.Errorf("sync.advertisers must list at least one advertiser")
	}
	for i, adv := range c.Sync.Advertisers {
		if strings.TrimSpace(adv.ID) == "" {
			return fmt.Errorf("sync.advertisers[%d].id is required", i)
		}
		if adv.TimeZone != "" {
			if _, err := time.LoadLocation(adv.TimeZone); err != nil {
				return fmt.Errorf("sync.advertisers[%d]: unknown timezone %q", i, adv.TimeZone)
			}
		}
	}

	if c.Sync.PollIntervalSeconds < 1.0 {
		return fmt.Errorf("sync.poll_interval_seconds must be >= 1.0")
	}
	if c.Sync.MaxPollAttempts <= 0 {
		return fmt.Errorf("sync.max_poll_attempts must be > 0")
	}
	if _, err := time.ParseDuration(c.Sync.PollTimeout); err != nil {
		return fmt.Errorf("invalid sync.poll_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Sync.ThrottleCooldown); err != nil {
		return fmt.Errorf("invalid sync.throttle_cooldown: %w", err)
	}
	if c.Sync.MaxConcurrentJobsPerAdvertiser <= 0 {
		return fmt.Errorf("sync.max_concurrent_jobs_per_advertiser must be > 0")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be > 0")
	}

	if c.API.Version <= 0 {
		return fmt.Errorf("api.version must be > 0")
	}

	return nil
}

// Load parses config from file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"api.version":                             3,
		"api.sandbox":                             false,
		"sync.poll_interval_seconds":              1.0,
		"sync.max_poll_attempts":                  10,
		"sync.poll_timeout":                       "10m",
		"sync.max_concurrent_jobs_per_advertiser": 2,
		"sync.throttle_cooldown":                  "60s",
		"sync.workers":                            4,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("GEMINISYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GEMINISYNC_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
