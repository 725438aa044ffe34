package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"replydesk/internal/llm"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Development bool   `yaml:"development"`
		Level       string `yaml:"level"`
	} `yaml:"log"`

	Database struct {
		Driver string `yaml:"driver"` // "postgres" or "sqlite"
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Platform struct {
		BaseURL      string        `yaml:"base_url"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxRetries   int           `yaml:"max_retries"`
		BackoffBase  time.Duration `yaml:"backoff_base"`
		MaxWait      time.Duration `yaml:"max_wait"`
		RequestDelay time.Duration `yaml:"request_delay"`
	} `yaml:"platform"`

	Webhook struct {
		VerifyToken    string        `yaml:"verify_token"`
		AppSecret      string        `yaml:"app_secret"`
		DedupWindow    time.Duration `yaml:"dedup_window"`
		ProcessTimeout time.Duration `yaml:"process_timeout"`
	} `yaml:"webhook"`

	Sync struct {
		BatchSize    int           `yaml:"batch_size"`
		ItemDelay    time.Duration `yaml:"item_delay"`
		BatchDelay   time.Duration `yaml:"batch_delay"`
		MessageLimit int           `yaml:"message_limit"`
		MinMessages  int           `yaml:"min_messages"`
		Concurrency  int           `yaml:"concurrency"`
		Workers      int           `yaml:"workers"`
	} `yaml:"sync"`

	Scheduler struct {
		SyncCheckInterval    time.Duration `yaml:"sync_check_interval"`
		TokenRefreshInterval time.Duration `yaml:"token_refresh_interval"`
		TokenRefreshWindow   time.Duration `yaml:"token_refresh_window"`
		DeadLetterInterval   time.Duration `yaml:"dead_letter_interval"`
	} `yaml:"scheduler"`

	DeadLetter struct {
		MaxAttempts int `yaml:"max_attempts"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"dead_letter"`

	Security struct {
		MasterKey          string `yaml:"master_key"`
		ServiceTokenSecret string `yaml:"service_token_secret"`
	} `yaml:"security"`

	// Generation providers, tried in order with failover.
	Providers               []llm.ProviderConfig `yaml:"providers"`
	MaxFailuresBeforeSwitch int                  `yaml:"max_failures_before_switch"`

	Notify struct {
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   int64  `yaml:"telegram_chat_id"`
	} `yaml:"notify"`
}

// LoadConfig reads configuration from the specified YAML file. A .env file in
// the working directory, when present, is loaded into the environment first.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := &Config{}
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()
	config.expandEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}

	if c.Platform.BaseURL == "" {
		c.Platform.BaseURL = "https://graph.instagram.com/v21.0"
	}
	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = 10 * time.Second
	}
	if c.Platform.MaxRetries == 0 {
		c.Platform.MaxRetries = 3
	}
	if c.Platform.BackoffBase == 0 {
		c.Platform.BackoffBase = time.Second
	}
	if c.Platform.MaxWait == 0 {
		c.Platform.MaxWait = time.Minute
	}

	if c.Webhook.DedupWindow == 0 {
		c.Webhook.DedupWindow = 30 * time.Second
	}
	if c.Webhook.ProcessTimeout == 0 {
		c.Webhook.ProcessTimeout = 25 * time.Second
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.ItemDelay == 0 {
		c.Sync.ItemDelay = 200 * time.Millisecond
	}
	if c.Sync.BatchDelay == 0 {
		c.Sync.BatchDelay = time.Second
	}
	if c.Sync.MessageLimit == 0 {
		c.Sync.MessageLimit = 10
	}
	if c.Sync.MinMessages == 0 {
		c.Sync.MinMessages = 2
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 2
	}

	if c.Scheduler.SyncCheckInterval == 0 {
		c.Scheduler.SyncCheckInterval = time.Hour
	}
	if c.Scheduler.TokenRefreshInterval == 0 {
		c.Scheduler.TokenRefreshInterval = 24 * time.Hour
	}
	if c.Scheduler.TokenRefreshWindow == 0 {
		c.Scheduler.TokenRefreshWindow = 7 * 24 * time.Hour
	}
	if c.Scheduler.DeadLetterInterval == 0 {
		c.Scheduler.DeadLetterInterval = time.Minute
	}

	if c.DeadLetter.MaxAttempts == 0 {
		c.DeadLetter.MaxAttempts = 5
	}
	if c.DeadLetter.BatchSize == 0 {
		c.DeadLetter.BatchSize = 50
	}

	if c.MaxFailuresBeforeSwitch == 0 {
		c.MaxFailuresBeforeSwitch = 3
	}
}

func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.Webhook.VerifyToken = os.ExpandEnv(c.Webhook.VerifyToken)
	c.Webhook.AppSecret = os.ExpandEnv(c.Webhook.AppSecret)
	c.Security.MasterKey = os.ExpandEnv(c.Security.MasterKey)
	c.Security.ServiceTokenSecret = os.ExpandEnv(c.Security.ServiceTokenSecret)
	c.Notify.TelegramBotToken = os.ExpandEnv(c.Notify.TelegramBotToken)

	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Webhook.VerifyToken == "" {
		return errors.New("webhook.verify_token is required")
	}
	if c.Security.MasterKey == "" {
		return errors.New("security.master_key is required")
	}
	for i, provider := range c.Providers {
		switch provider.Type {
		case llm.ProviderGemini, llm.ProviderGroq, llm.ProviderOpenAI:
		default:
			return fmt.Errorf("providers[%d]: unknown type %q", i, provider.Type)
		}
	}
	return nil
}
