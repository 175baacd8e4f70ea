// Package config loads the service configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole service configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Automation AutomationConfig `yaml:"automation"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Location   LocationConfig   `yaml:"location"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
}

type AutomationConfig struct {
	// Database is the path of the persisted rule-set file.
	Database string `yaml:"database"`
	// StoreDelaySeconds is the debounce window for database write-back.
	StoreDelaySeconds int `yaml:"store_delay_seconds"`
}

// StoreDelay returns the write-back debounce as a duration.
func (c AutomationConfig) StoreDelay() time.Duration {
	return time.Duration(c.StoreDelaySeconds) * time.Second
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	Chat  int64  `yaml:"chat"`
	// Timeout is the long-poll timeout in seconds.
	Timeout int `yaml:"timeout"`
	// Update enables inbound update polling; sending works either way.
	Update bool `yaml:"update"`
}

type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		MQTT: MQTTConfig{
			Broker:   "mqtt://localhost:1883",
			ClientID: "homerules",
			Prefix:   "homed",
		},
		Automation: AutomationConfig{
			Database:          "/opt/homerules/database.json",
			StoreDelaySeconds: 20,
		},
		Telegram: TelegramConfig{Timeout: 60, Update: true},
	}
}

// Load reads the YAML file at path, if any, over the defaults, then applies
// environment overrides. A missing file is not an error; an unreadable or
// malformed one is fatal.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envString(&cfg.MQTT.Broker, "HOMERULES_MQTT_BROKER")
	envString(&cfg.MQTT.Username, "HOMERULES_MQTT_USERNAME")
	envString(&cfg.MQTT.Password, "HOMERULES_MQTT_PASSWORD")
	envString(&cfg.MQTT.Prefix, "HOMERULES_MQTT_PREFIX")
	envString(&cfg.Automation.Database, "HOMERULES_DATABASE")
	envString(&cfg.Telegram.Token, "HOMERULES_TELEGRAM_TOKEN")
	envInt64(&cfg.Telegram.Chat, "HOMERULES_TELEGRAM_CHAT")
	envString(&cfg.Log.Level, "HOMERULES_LOG_LEVEL")
}

func envString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func envInt64(target *int64, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func normalize(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "homerules"
	}
	if cfg.Automation.StoreDelaySeconds <= 0 {
		cfg.Automation.StoreDelaySeconds = 20
	}
	if cfg.Telegram.Timeout <= 0 {
		cfg.Telegram.Timeout = 60
	}
}
