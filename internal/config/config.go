// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/resumai/resumai/internal/worker"
	"github.com/spf13/viper"
)

// Generation providers.
const (
	ProviderGRPC   = "grpc"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port                  string        `mapstructure:"port"`
	Env                   string        `mapstructure:"env"`
	DBPath                string        `mapstructure:"db_path"`
	StoreTimeout          time.Duration `mapstructure:"store_timeout"`
	RequireModeForQueries bool          `mapstructure:"require_mode_for_queries"`
	EscalationMarker      string        `mapstructure:"escalation_marker"`
	MessagesPath          string        `mapstructure:"messages_path"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`

	Pool       PoolConfig       `mapstructure:"pool"`
	Generation GenerationConfig `mapstructure:"generation"`
	Guides     GuidesConfig     `mapstructure:"guides"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Log        LogConfig        `mapstructure:"log"`
}

// PoolConfig controls free session maintenance.
type PoolConfig struct {
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// GenerationConfig selects and tunes the generation backend.
type GenerationConfig struct {
	Provider         string        `mapstructure:"provider"`
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	Temperature      float64       `mapstructure:"temperature"`
	LastK            int           `mapstructure:"last_k"`
	RAG              bool          `mapstructure:"rag"`
	RAGK             int           `mapstructure:"rag_k"`
	RAGThreshold     float64       `mapstructure:"rag_threshold"`
	SystemPromptPath string        `mapstructure:"system_prompt_path"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// GuidesConfig locates the shared guidance corpus.
type GuidesConfig struct {
	SessionID string  `mapstructure:"session_id"`
	Threshold float64 `mapstructure:"threshold"`
	K         int     `mapstructure:"k"`
	Dir       string  `mapstructure:"dir"`
}

// TelegramConfig configures reviewer notifications. An empty BotToken
// disables Telegram and notifications are only logged.
type TelegramConfig struct {
	BotToken       string `mapstructure:"bot_token"`
	ReviewerChatID int64  `mapstructure:"reviewer_chat_id"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
}

// IngestConfig bounds link and file fetching.
type IngestConfig struct {
	MaxLinks int           `mapstructure:"max_links"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// TranscriptConfig controls per-user NDJSON transcripts.
type TranscriptConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LogConfig selects the log encoding and level.
type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

var defaults = map[string]any{
	"port":                          "8080",
	"env":                           "prod",
	"db_path":                       "./data/resumai.db",
	"store_timeout":                 "3s",
	"require_mode_for_queries":      true,
	"escalation_marker":             "[[CONSULT_SPECIALIST]]",
	"messages_path":                 "",
	"allowed_origins":               []string{},
	"pool.sweep_schedule":           worker.DefaultSweepSchedule,
	"generation.provider":           ProviderGRPC,
	"generation.model":              "4o-mini",
	"generation.api_key":            "",
	"generation.grpc_addr":          "localhost:50051",
	"generation.temperature":        0.7,
	"generation.last_k":             5,
	"generation.rag":                false,
	"generation.rag_k":              5,
	"generation.rag_threshold":      0.5,
	"generation.system_prompt_path": "./config/system.txt",
	"generation.timeout":            "60s",
	"guides.session_id":             "",
	"guides.threshold":              0.5,
	"guides.k":                      3,
	"guides.dir":                    "./guides",
	"telegram.bot_token":            "",
	"telegram.reviewer_chat_id":     0,
	"telegram.webhook_secret":       "",
	"ingest.max_links":              5,
	"ingest.timeout":                "20s",
	"ingest.max_bytes":              10 << 20,
	"transcript.enabled":            false,
	"transcript.dir":                "./data/logs/users",
	"transcript.queue_size":         256,
	"log.json":                      false,
	"log.debug":                     false,
}

// NewViper returns a viper instance with every key defaulted and bound to
// its environment variable: generation.api_key reads GENERATION_API_KEY.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("generation.api_key", "GENERATION_API_KEY", "GEMINI_API_KEY")
	return v
}

// Load reads the optional config file and the environment into a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimStringsHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Env = strings.ToLower(cfg.Env)
	cfg.Generation.Provider = strings.ToLower(cfg.Generation.Provider)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// trimStringsHook strips surrounding whitespace from string values, which
// .env files tend to carry.
func trimStringsHook() mapstructure.DecodeHookFuncKind {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || to != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(data.(string)), nil
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port cannot be empty"))
	}
	if c.Env != "dev" && c.Env != "prod" {
		errs = append(errs, fmt.Errorf("env must be dev or prod, got %q", c.Env))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path cannot be empty"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store_timeout must be > 0"))
	}
	if strings.TrimSpace(c.EscalationMarker) == "" {
		errs = append(errs, errors.New("escalation_marker cannot be empty"))
	}
	if err := worker.ValidateSchedule(c.Pool.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("pool.sweep_schedule: %w", err))
	}

	switch c.Generation.Provider {
	case ProviderGRPC:
		if c.Generation.GRPCAddr == "" {
			errs = append(errs, errors.New("generation.grpc_addr is required for the grpc provider"))
		}
	case ProviderGemini:
		if c.Generation.APIKey == "" {
			errs = append(errs, errors.New("generation.api_key is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown generation.provider %q", c.Generation.Provider))
	}
	if c.Generation.Timeout <= 0 {
		errs = append(errs, errors.New("generation.timeout must be > 0"))
	}
	if c.Generation.LastK < 0 || c.Generation.RAGK < 0 || c.Guides.K < 0 {
		errs = append(errs, errors.New("last_k, rag_k and guides.k must be >= 0"))
	}

	if c.Telegram.BotToken != "" && c.Telegram.ReviewerChatID == 0 {
		errs = append(errs, errors.New("telegram.reviewer_chat_id is required when telegram.bot_token is set"))
	}
	if c.Telegram.BotToken != "" && strings.TrimSpace(c.Telegram.WebhookSecret) == "" {
		errs = append(errs, errors.New("telegram.webhook_secret is required when telegram.bot_token is set"))
	}
	if c.Ingest.Timeout <= 0 || c.Ingest.MaxBytes <= 0 || c.Ingest.MaxLinks <= 0 {
		errs = append(errs, errors.New("ingest limits must be > 0"))
	}
	if c.Transcript.Enabled {
		if c.Transcript.Dir == "" {
			errs = append(errs, errors.New("transcript.dir cannot be empty"))
		}
		if c.Transcript.QueueSize <= 0 {
			errs = append(errs, errors.New("transcript.queue_size must be > 0"))
		}
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

// TelegramEnabled reports whether reviewer notifications go to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != ""
}
