// Package config loads the service configuration from YAML with
// environment overrides for deploy-time secrets.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working
// directory. Override with the CONFIG_PATH environment variable.
const ConfigPath = "config.yaml"

// APIConfig configures the completion service client.
type APIConfig struct {
	BaseURL          string  `yaml:"baseURL"`
	APIKey           string  `yaml:"apiKey"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"maxTokens"`
	FrequencyPenalty float64 `yaml:"frequencyPenalty"`
	PresencePenalty  float64 `yaml:"presencePenalty"`
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"topP"`
	RequestTimeoutMs int     `yaml:"requestTimeoutMs"`
	RedactReasoning  bool    `yaml:"redactReasoning"`
}

// TurnQuotaConfig bounds turn starts per room. Zero limit disables the quota.
type TurnQuotaConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// MinioConfig configures the render archive. Empty endpoint disables it.
type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"useSSL"`
	LinkTTLMin int    `yaml:"linkTTLMin"`
}

// AMQPConfig configures the inbound event consumer. Empty URL disables it.
type AMQPConfig struct {
	URL          string `yaml:"url"`
	InboundQueue string `yaml:"inboundQueue"`
	ReplyQueue   string `yaml:"replyQueue"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                string          `yaml:"port"`
	LogLevel            string          `yaml:"logLevel"`
	DatabaseURL         string          `yaml:"databaseURL"`
	RedisAddr           string          `yaml:"redisAddr"`
	RedisPassword       string          `yaml:"redisPassword"`
	RenderServiceURL    string          `yaml:"renderServiceURL"`
	RenderTheme         string          `yaml:"renderTheme"`
	HistoryPageSize     int             `yaml:"historyPageSize"`
	AllowOpenRoomDelete bool            `yaml:"allowOpenRoomDelete"`
	API                 APIConfig       `yaml:"api"`
	TurnQuota           TurnQuotaConfig `yaml:"turnQuota"`
	Minio               MinioConfig     `yaml:"minio"`
	AMQP                AMQPConfig      `yaml:"amqp"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("COMPLETION_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.API.MaxTokens == 0 {
		cfg.API.MaxTokens = 1024
	}
	if cfg.API.Temperature == 0 {
		cfg.API.Temperature = 1.0
	}
	if cfg.API.TopP == 0 {
		cfg.API.TopP = 1.0
	}
	if cfg.API.RequestTimeoutMs == 0 {
		cfg.API.RequestTimeoutMs = 30000
	}
	if cfg.HistoryPageSize == 0 {
		cfg.HistoryPageSize = 15
	}
	if cfg.RenderTheme == "" {
		cfg.RenderTheme = "light"
	}
	if cfg.Minio.LinkTTLMin == 0 {
		cfg.Minio.LinkTTLMin = 60
	}
	if cfg.AMQP.InboundQueue == "" {
		cfg.AMQP.InboundQueue = "roomchat.inbound"
	}
	if cfg.AMQP.ReplyQueue == "" {
		cfg.AMQP.ReplyQueue = "roomchat.replies"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.API.BaseURL == "" {
		return errors.New("config: api.baseURL is required (set in config.yaml)")
	}
	if cfg.API.APIKey == "" {
		return errors.New("config: api.apiKey is required (set in config.yaml or COMPLETION_API_KEY)")
	}
	if cfg.API.Model == "" {
		return errors.New("config: api.model is required (set in config.yaml)")
	}
	if cfg.API.MaxTokens < 1 || cfg.API.MaxTokens > 8192 {
		return errors.New("config: api.maxTokens must be between 1 and 8192")
	}
	if cfg.API.FrequencyPenalty < -2 || cfg.API.FrequencyPenalty > 2 {
		return errors.New("config: api.frequencyPenalty must be between -2 and 2")
	}
	if cfg.API.PresencePenalty < -2 || cfg.API.PresencePenalty > 2 {
		return errors.New("config: api.presencePenalty must be between -2 and 2")
	}
	if cfg.API.Temperature < 0 || cfg.API.Temperature > 2 {
		return errors.New("config: api.temperature must be between 0 and 2")
	}
	if cfg.API.TopP < 0 || cfg.API.TopP > 1 {
		return errors.New("config: api.topP must be between 0 and 1")
	}
	if cfg.RenderTheme != "light" && cfg.RenderTheme != "black-gold" {
		return errors.New("config: renderTheme must be light or black-gold")
	}
	if cfg.TurnQuota.Limit > 0 && cfg.TurnQuota.WindowSeconds <= 0 {
		return errors.New("config: turnQuota.windowSeconds must be positive when a limit is set")
	}
	if cfg.TurnQuota.Limit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: turnQuota requires redisAddr")
	}
	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	return nil
}
