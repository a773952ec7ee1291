// ChatGate - admission-controlled LLM chat pipeline
// License: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Providers  ProvidersConfig  `json:"providers"`
	Generation GenerationConfig `json:"generation"`
	Limits     LimitsConfig     `json:"limits"`
	Context    ContextConfig    `json:"context"`
	Redis      RedisConfig      `json:"redis"`
	Audit      AuditConfig      `json:"audit"`
	Gateway    GatewayConfig    `json:"gateway"`
	Log        LogConfig        `json:"log"`
}

type ProvidersConfig struct {
	OpenRouter     OpenRouterConfig `json:"openrouter"`
	Retrieval      RetrievalConfig  `json:"retrieval"`
	TimeoutSeconds int              `json:"timeout_seconds" env:"CHATGATE_PROVIDERS_TIMEOUT_SECONDS"`
}

type OpenRouterConfig struct {
	APIKey  string `json:"api_key" env:"CHATGATE_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"CHATGATE_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"CHATGATE_PROVIDERS_OPENROUTER_PROXY"`
}

type RetrievalConfig struct {
	URL    string `json:"url" env:"CHATGATE_PROVIDERS_RETRIEVAL_URL"`
	APIKey string `json:"api_key" env:"CHATGATE_PROVIDERS_RETRIEVAL_API_KEY"`
}

type GenerationConfig struct {
	Model               string  `json:"model" env:"CHATGATE_GENERATION_MODEL"`
	MaxTokens           int     `json:"max_tokens" env:"CHATGATE_GENERATION_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"CHATGATE_GENERATION_TEMPERATURE"`
	Mode                string  `json:"mode" env:"CHATGATE_GENERATION_MODE"`
	SystemPrompt        string  `json:"system_prompt" env:"CHATGATE_GENERATION_SYSTEM_PROMPT"`
	ConfidenceThreshold float64 `json:"confidence_threshold" env:"CHATGATE_GENERATION_CONFIDENCE_THRESHOLD"`
}

type LimitsConfig struct {
	RateMessages      int `json:"rate_messages" env:"CHATGATE_LIMITS_RATE_MESSAGES"`
	RateWindowSeconds int `json:"rate_window_seconds" env:"CHATGATE_LIMITS_RATE_WINDOW_SECONDS"`
}

type ContextConfig struct {
	Enabled    bool `json:"enabled" env:"CHATGATE_CONTEXT_ENABLED"`
	MaxTurns   int  `json:"max_turns" env:"CHATGATE_CONTEXT_MAX_TURNS"`
	TTLSeconds int  `json:"ttl_seconds" env:"CHATGATE_CONTEXT_TTL_SECONDS"`
}

type RedisConfig struct {
	URL string `json:"url" env:"CHATGATE_REDIS_URL"`
}

type AuditConfig struct {
	Path string `json:"path" env:"CHATGATE_AUDIT_PATH"`
}

type GatewayConfig struct {
	Host      string              `json:"host" env:"CHATGATE_GATEWAY_HOST"`
	Port      int                 `json:"port" env:"CHATGATE_GATEWAY_PORT"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"CHATGATE_GATEWAY_ALLOW_FROM"`
}

type LogConfig struct {
	Level string `json:"level" env:"CHATGATE_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			OpenRouter: OpenRouterConfig{
				APIBase: "https://openrouter.ai/api/v1",
			},
			Retrieval:      RetrievalConfig{},
			TimeoutSeconds: 30,
		},
		Generation: GenerationConfig{
			Model:               "openai/gpt-4o-mini",
			MaxTokens:           1000,
			Temperature:         0.7,
			Mode:                "direct",
			ConfidenceThreshold: 0.3,
		},
		Limits: LimitsConfig{
			RateMessages:      10,
			RateWindowSeconds: 60,
		},
		Context: ContextConfig{
			Enabled:    true,
			MaxTurns:   20,
			TTLSeconds: 3600,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Audit: AuditConfig{
			Path: "~/.chatgate/state/audit.db",
		},
		Gateway: GatewayConfig{
			Host:      "0.0.0.0",
			Port:      18791,
			AllowFrom: FlexibleStringSlice{},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// AuditPath expands a leading ~ in the configured audit DB path.
func (c *Config) AuditPath() string {
	return expandHome(c.Audit.Path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
