package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables;
// environment variables win.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	BadgerDBPath  string `mapstructure:"BADGERDB_PATH"`

	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	Workers      int           `mapstructure:"WORKERS"`
	CycleTimeout time.Duration `mapstructure:"CYCLE_TIMEOUT"`

	LoadTimeout      time.Duration `mapstructure:"LOAD_TIMEOUT"`
	SettleDelay      time.Duration `mapstructure:"SETTLE_DELAY"`
	SelectorTimeout  time.Duration `mapstructure:"SELECTOR_TIMEOUT"`
	ViewportWidth    int           `mapstructure:"VIEWPORT_WIDTH"`
	ViewportHeight   int           `mapstructure:"VIEWPORT_HEIGHT"`
	BrowserBin       string        `mapstructure:"BROWSER_BIN"`
	BrowserRemoteURL string        `mapstructure:"BROWSER_REMOTE_URL"`
	Stealth          bool          `mapstructure:"STEALTH"`

	SimilarityThreshold float64 `mapstructure:"SIMILARITY_THRESHOLD"`
	DiffAreaThreshold   float64 `mapstructure:"DIFF_AREA_THRESHOLD"`
	PixelTolerance      uint8   `mapstructure:"PIXEL_TOLERANCE"`

	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// The Telegram notifier is enabled when a token is set.
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `mapstructure:"TELEGRAM_CHAT_ID"`
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// MaxPollInterval bounds POLL_INTERVAL so that one-minute intervals are
// noticed promptly.
const MaxPollInterval = time.Minute

var defaults = map[string]any{
	"LOG_LEVEL":            "info",
	"STORAGE_DRIVER":       DriverSQLite,
	"SQLITE_PATH":          "./pagewatch.db",
	"BADGERDB_PATH":        "./badger_data",
	"POLL_INTERVAL":        "30s",
	"WORKERS":              4,
	"CYCLE_TIMEOUT":        "2m",
	"LOAD_TIMEOUT":         "30s",
	"SETTLE_DELAY":         "2s",
	"SELECTOR_TIMEOUT":     "5s",
	"VIEWPORT_WIDTH":       1366,
	"VIEWPORT_HEIGHT":      768,
	"BROWSER_BIN":          "",
	"BROWSER_REMOTE_URL":   "",
	"STEALTH":              true,
	"SIMILARITY_THRESHOLD": 0.85,
	"DIFF_AREA_THRESHOLD":  0.10,
	"PIXEL_TOLERANCE":      25,
	"HTTP_ADDR":            "127.0.0.1:8080",
	"TELEGRAM_BOT_TOKEN":   "",
	"TELEGRAM_CHAT_ID":     0,
}

// LoadConfig reads config.yaml from path (if present) and the environment.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Every key needs a default: Unmarshal only sees environment
	// variables for keys viper already knows about.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		// A missing file is fine; env vars and defaults still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0 || c.PollInterval > MaxPollInterval:
		return fmt.Errorf("POLL_INTERVAL must be in (0, %s], got %s", MaxPollInterval, c.PollInterval)
	case c.Workers < 1:
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	case c.CycleTimeout <= 0:
		return fmt.Errorf("CYCLE_TIMEOUT must be positive, got %s", c.CycleTimeout)
	case c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1:
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %g", c.SimilarityThreshold)
	case c.DiffAreaThreshold == 0 || c.DiffAreaThreshold > 1:
		return fmt.Errorf("DIFF_AREA_THRESHOLD must be in (0, 1] or negative to disable, got %g", c.DiffAreaThreshold)
	case c.PixelTolerance == 0:
		return errors.New("PIXEL_TOLERANCE must be at least 1")
	case c.StorageDriver != DriverSQLite && c.StorageDriver != DriverBadger:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (want %q or %q)", c.StorageDriver, DriverSQLite, DriverBadger)
	case c.TelegramBotToken != "" && c.TelegramChatID == 0:
		return errors.New("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}
