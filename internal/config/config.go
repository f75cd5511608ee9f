package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/desu777/stockstorm/internal/logger"
)

// Config is the application-level configuration loaded at startup. Broker
// credentials and the Telegram token come from the environment so they never
// land in the YAML file.
type Config struct {
	DBPath string `yaml:"db_path"`

	// Gateway selects the broker implementation: "binance" or "sim".
	Gateway string `yaml:"gateway"`

	// PollInterval is how often the supervisor diffs the bot registry
	// against its running monitor tasks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MonitorInterval is the sleep between price checks inside one bot's
	// monitor loop.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// RetryAttempts bounds order placement retries before a bot goes ERROR.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the fixed wait between order placement attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	Telegram TelegramConfig `yaml:"telegram"`
	Log      logger.Config  `yaml:"log"`
}

// TelegramConfig enables push notifications on bot status transitions.
// The bot token is read from the TELEGRAM_BOT_TOKEN environment variable.
type TelegramConfig struct {
	Enabled bool  `yaml:"enabled"`
	ChatID  int64 `yaml:"chat_id"`
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/stockstorm"
	}
	if c.Gateway == "" {
		c.Gateway = "binance"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 2 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = "console"
	}
}

func (c *Config) validate() error {
	if c.Gateway != "binance" && c.Gateway != "sim" {
		return fmt.Errorf("unknown gateway %q", c.Gateway)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %s too short, minimum 1s", c.PollInterval)
	}
	if c.MonitorInterval < 100*time.Millisecond {
		return fmt.Errorf("monitor_interval %s too short, minimum 100ms", c.MonitorInterval)
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts %d out of range [1,10]", c.RetryAttempts)
	}
	return nil
}
