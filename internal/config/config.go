// Package config loads application configuration with viper: defaults first,
// then an optional YAML file, then SURVEY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Survey struct {
		// Language selects the survey URL; unmatched languages fall back
		// to the "en" entry.
		Language string `mapstructure:"language"`
		// URLs maps language codes to survey URLs. Entries here extend or
		// override the built-in table.
		URLs map[string]string `mapstructure:"urls"`
	} `mapstructure:"survey"`

	Reminder struct {
		Hour   int `mapstructure:"hour"`
		Minute int `mapstructure:"minute"`
	} `mapstructure:"reminder"`

	Notifications struct {
		// Decision controls how an authorization prompt is answered when
		// no user is attached: "grant", "deny" or "provisional".
		Decision string `mapstructure:"decision"`
		Pushover struct {
			Token string `mapstructure:"token"`
			User  string `mapstructure:"user"`
		} `mapstructure:"pushover"`
	} `mapstructure:"notifications"`
}

// defaultURLs is the built-in language table.
var defaultURLs = map[string]string{
	"en": "https://coronaisrael.org/en/",
	"he": "https://coronaisrael.org",
	"ar": "https://coronaisrael.org/ar/",
	"ru": "https://coronaisrael.org/ru/",
	"es": "https://coronaisrael.org/es/",
	"fr": "https://coronaisrael.org/fr/",
}

// Load reads configuration from path (missing file is fine — defaults and
// environment still apply).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "data/survey.db")
	v.SetDefault("survey.language", "en")
	v.SetDefault("reminder.hour", 12)
	v.SetDefault("reminder.minute", 0)
	v.SetDefault("notifications.decision", "provisional")

	v.SetConfigFile(path)
	v.SetEnvPrefix("SURVEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}

	// Configured entries extend the built-in table rather than replace it.
	urls := make(map[string]string, len(defaultURLs)+len(cfg.Survey.URLs))
	for code, url := range defaultURLs {
		urls[code] = url
	}
	for code, url := range cfg.Survey.URLs {
		urls[code] = url
	}
	cfg.Survey.URLs = urls

	if cfg.Reminder.Hour < 0 || cfg.Reminder.Hour > 23 {
		return nil, fmt.Errorf("config: reminder hour %d out of range", cfg.Reminder.Hour)
	}
	if cfg.Reminder.Minute < 0 || cfg.Reminder.Minute > 59 {
		return nil, fmt.Errorf("config: reminder minute %d out of range", cfg.Reminder.Minute)
	}

	return &cfg, nil
}
