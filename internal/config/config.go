// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is read from the environment and an optional config.yaml. Keys are
// the upper-case environment names; the file uses their lower-case form.
type Config struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	DatabaseURL   string `mapstructure:"database_url"`
	DBMaxConns    int32  `mapstructure:"db_max_conns"`
	Env           string `mapstructure:"env"`
	LogLevel      string `mapstructure:"log_level"`
	StoreBackend  string `mapstructure:"store_backend"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	WorkflowsDir  string `mapstructure:"workflows_dir"`
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	MCPHTTP       bool   `mapstructure:"mcp_http"`
	// ActionServers maps action servers to executor base URLs, written as
	// "name=url,name=url".
	ActionServers string `mapstructure:"action_servers"`
}

var defaults = map[string]any{
	"http_addr":      ":8080",
	"database_url":   "",
	"db_max_conns":   5,
	"env":            "dev",
	"log_level":      "info",
	"store_backend":  StoreMemory,
	"auto_migrate":   true,
	"workflows_dir":  "workflows",
	"webhook_url":    "",
	"webhook_secret": "",
	"mcp_http":       true,
	"action_servers": "",
}

// Load reads config.yaml from the working directory or ./config when present,
// then applies environment overrides.
func Load() (Config, error) {
	return load("")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	return load(path)
}

func load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must not be empty")
	}
	if _, err := c.ActionServerURLs(); err != nil {
		return err
	}
	return nil
}

// ActionServerURLs parses ActionServers.
func (c Config) ActionServerURLs() (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(c.ActionServers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(pair, "=")
		name, rawURL = strings.TrimSpace(name), strings.TrimSpace(rawURL)
		if !ok || name == "" || rawURL == "" {
			return nil, fmt.Errorf("config: ACTION_SERVERS entry %q must be name=url", pair)
		}
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("config: ACTION_SERVERS url for %q must be http(s)", name)
		}
		out[name] = rawURL
	}
	return out, nil
}
