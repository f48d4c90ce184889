package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultWebhookPath   = "/webhook/whatsapp"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "luna"
	DefaultPGSSLMode     = "disable"
	DefaultOpenAIURL     = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultSendTextPath  = "/send/text"
	DefaultSendMediaPath = "/send/media"
	DefaultSendMenuPath  = "/send/menu"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Postgres  PostgresConfig  `toml:"postgres"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Uazapi    UazapiConfig    `toml:"uazapi"`
	Funnel    FunnelConfig    `toml:"funnel"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Retention RetentionConfig `toml:"retention"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type WebhookConfig struct {
	Path        string `toml:"path"`
	VerifyToken string `toml:"verify_token"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

type OpenAIConfig struct {
	APIKey          string `toml:"api_key"`
	AssistantID     string `toml:"assistant_id"`
	Model           string `toml:"model"`
	BaseURL         string `toml:"base_url" validate:"omitempty,url"`
	RunInstructions string `toml:"run_instructions"`
	PollSeconds     int    `toml:"poll_seconds" validate:"gte=0"`
	WaitSeconds     int    `toml:"wait_seconds" validate:"gte=0"`
}

type UazapiConfig struct {
	BaseURL       string `toml:"base_url" validate:"omitempty,url"`
	Token         string `toml:"token"`
	SendTextPath  string `toml:"send_text_path"`
	SendMediaPath string `toml:"send_media_path"`
	SendMenuPath  string `toml:"send_menu_path"`
	// PayloadShape selects the request field naming of the installed gateway
	// variant: "chatid" or "number".
	PayloadShape string `toml:"payload_shape" validate:"oneof=chatid number"`
}

type FunnelConfig struct {
	MenuWindowMinutes   int    `toml:"menu_window_minutes" validate:"gt=0"`
	ActionWindowSeconds int    `toml:"action_window_seconds" validate:"gt=0"`
	DedupWindowSeconds  int    `toml:"dedup_window_seconds" validate:"gt=0"`
	NameAskLimit        int    `toml:"name_ask_limit" validate:"gt=0"`
	DemoVideoURL        string `toml:"demo_video_url" validate:"omitempty,url"`
	HandoffNotifyPhone  string `toml:"handoff_notify_phone"`
}

type PipelineConfig struct {
	Workers   int `toml:"workers" validate:"gt=0"`
	QueueSize int `toml:"queue_size" validate:"gt=0"`
}

type RetentionConfig struct {
	Days     int    `toml:"days" validate:"gte=0"`
	Schedule string `toml:"schedule"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Webhook: WebhookConfig{
			Path: DefaultWebhookPath,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		OpenAI: OpenAIConfig{
			Model:       DefaultOpenAIModel,
			BaseURL:     DefaultOpenAIURL,
			PollSeconds: 60,
			WaitSeconds: 45,
		},
		Uazapi: UazapiConfig{
			SendTextPath:  DefaultSendTextPath,
			SendMediaPath: DefaultSendMediaPath,
			SendMenuPath:  DefaultSendMenuPath,
			PayloadShape:  "chatid",
		},
		Funnel: FunnelConfig{
			MenuWindowMinutes:   30,
			ActionWindowSeconds: 120,
			DedupWindowSeconds:  8,
			NameAskLimit:        3,
		},
		Pipeline: PipelineConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Retention: RetentionConfig{
			Days:     0,
			Schedule: "@daily",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, validate(cfg)
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
