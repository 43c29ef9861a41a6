package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultMinRequestGapMs   = 1000
	DefaultMessageChunkLimit = 8000
	DefaultMessageTimeout    = "5m"
	DefaultCommandTimeout    = "3m"
	DefaultLocalASRURL       = "http://127.0.0.1:9000"
	DefaultCloudASRURL       = "https://api.openai.com/v1"
	DefaultCloudASRModel     = "whisper-1"
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Bitrix       BitrixConfig       `toml:"bitrix"`
	Dispatch     DispatchConfig     `toml:"dispatch"`
	ASR          ASRConfig          `toml:"asr"`
	Media        MediaConfig        `toml:"media"`
	AgentGateway AgentGatewayConfig `toml:"agent_gateway"`
	Accounts     []AccountConfig    `toml:"accounts"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// BitrixConfig holds REST client tuning shared by all accounts.
type BitrixConfig struct {
	MinRequestGapMs   int `toml:"min_request_gap_ms"`
	MessageChunkLimit int `toml:"message_chunk_limit"`
}

// DispatchConfig bounds the agent-dispatch call per event family.
type DispatchConfig struct {
	MessageTimeout string `toml:"message_timeout"`
	CommandTimeout string `toml:"command_timeout"`
}

// MessageTimeoutDuration parses the message timeout, falling back to the default.
func (c DispatchConfig) MessageTimeoutDuration() time.Duration {
	return parseTimeout(c.MessageTimeout, DefaultMessageTimeout)
}

// CommandTimeoutDuration parses the command timeout, falling back to the default.
func (c DispatchConfig) CommandTimeoutDuration() time.Duration {
	return parseTimeout(c.CommandTimeout, DefaultCommandTimeout)
}

func parseTimeout(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// ASRConfig selects and configures speech-to-text providers.
// Provider: "local", "cloud", or "auto" (probe local, fall back to cloud).
type ASRConfig struct {
	Provider       string `toml:"provider"`
	LocalURL       string `toml:"local_url"`
	CloudURL       string `toml:"cloud_url"`
	CloudAPIKey    string `toml:"cloud_api_key"`
	CloudModel     string `toml:"cloud_model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// MediaConfig controls where downloaded files are staged.
// An empty temp_dir means the OS default temp directory.
type MediaConfig struct {
	TempDir string `toml:"temp_dir"`
}

type AgentGatewayConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (c AgentGatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8081
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

// AccountConfig is one configured Bitrix24 portal binding.
// Either domain+user_id+webhook_secret (inbound-webhook auth) or
// domain+client_id (bare REST with token) must be present for the
// account to be usable.
type AccountConfig struct {
	ID            string   `toml:"id" validate:"required"`
	Domain        string   `toml:"domain"`
	WebhookSecret string   `toml:"webhook_secret"`
	UserID        string   `toml:"user_id"`
	BotID         string   `toml:"bot_id"`
	ClientID      string   `toml:"client_id"`
	ASRProvider   string   `toml:"asr_provider" validate:"omitempty,oneof=local cloud auto"`
	Commands      []string `toml:"commands"`
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
		Bitrix: BitrixConfig{
			MinRequestGapMs:   DefaultMinRequestGapMs,
			MessageChunkLimit: DefaultMessageChunkLimit,
		},
		Dispatch: DispatchConfig{
			MessageTimeout: DefaultMessageTimeout,
			CommandTimeout: DefaultCommandTimeout,
		},
		ASR: ASRConfig{
			Provider:   "auto",
			LocalURL:   DefaultLocalASRURL,
			CloudURL:   DefaultCloudASRURL,
			CloudModel: DefaultCloudASRModel,
		},
		AgentGateway: AgentGatewayConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	validate := validator.New()
	for i, account := range cfg.Accounts {
		if err := validate.Struct(account); err != nil {
			return cfg, fmt.Errorf("account %d (%q): %w", i, account.ID, err)
		}
	}

	return cfg, nil
}
