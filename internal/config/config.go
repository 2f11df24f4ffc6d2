package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/cua/internal/urlguard"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type VendorConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Organization      string `yaml:"organization,omitempty"`
	MaxTokens         int    `yaml:"max_tokens"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type ComputerConfig struct {
	Backend    string `yaml:"backend"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	StartURL   string `yaml:"start_url"`
	Headless   bool   `yaml:"headless"`
	ChromePath string `yaml:"chrome_path"`
	Container  string `yaml:"container"`
	Display    string `yaml:"display"`
	PageText   bool   `yaml:"page_text"`
}

type SafetyConfig struct {
	BlockedDomains    []string `yaml:"blocked_domains"`
	AutoAcknowledge   bool     `yaml:"auto_acknowledge"`
	AckTimeoutSeconds int      `yaml:"ack_timeout_seconds"`
	StopOnDenial      bool     `yaml:"stop_on_denial"`
}

type ContextConfig struct {
	MaxContextTokens int    `yaml:"max_context_tokens"`
	OutputReserve    int    `yaml:"output_reserve"`
	SystemPromptPath string `yaml:"system_prompt_path"`
}

type StorageConfig struct {
	Driver          string `yaml:"driver"`
	SaveScreenshots bool   `yaml:"save_screenshots"`
	HistoryLimit    int    `yaml:"history_limit"`
}

type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	DataDir       string         `yaml:"data_dir"`
	Log           LogConfig      `yaml:"log"`
	Model         string         `yaml:"model"`
	MaxRounds     int            `yaml:"max_rounds"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	OpenAI        VendorConfig   `yaml:"openai"`
	Anthropic     VendorConfig   `yaml:"anthropic"`
	Computer      ComputerConfig `yaml:"computer"`
	Safety        SafetyConfig   `yaml:"safety"`
	Context       ContextConfig  `yaml:"context"`
	Storage       StorageConfig  `yaml:"storage"`
	Telegram      TelegramConfig `yaml:"telegram"`
	HTTP          HTTPConfig     `yaml:"http"`
}

// DefaultDir is the directory holding the config file and data.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cua")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:       DefaultDir(),
		Model:         "computer-use-preview",
		MaxRounds:     50,
		MaxConcurrent: 2,
	}
	cfg.Log = LogConfig{Level: "info", Format: "console", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28}
	cfg.OpenAI = VendorConfig{BaseURL: "https://api.openai.com/v1", TimeoutSeconds: 120}
	cfg.Anthropic = VendorConfig{BaseURL: "https://api.anthropic.com", MaxTokens: 4096, TimeoutSeconds: 120}
	cfg.Computer = ComputerConfig{
		Backend:  "browser",
		Width:    1024,
		Height:   768,
		StartURL: "https://bing.com",
		Display:  ":99",
	}
	cfg.Safety = SafetyConfig{
		BlockedDomains:    append([]string(nil), urlguard.DefaultBlocked...),
		AckTimeoutSeconds: 300,
	}
	cfg.Context = ContextConfig{MaxContextTokens: 128000, OutputReserve: 4096}
	cfg.Storage = StorageConfig{Driver: "jsonl", HistoryLimit: 100}
	cfg.HTTP = HTTPConfig{Addr: "127.0.0.1:8484"}
	return cfg
}

// Load reads the config at path over the defaults, writing the defaults
// when the file does not exist. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"OPENAI_API_KEY", &cfg.OpenAI.APIKey},
		{"OPENAI_ORG", &cfg.OpenAI.Organization},
		{"OPENAI_BASE_URL", &cfg.OpenAI.BaseURL},
		{"ANTHROPIC_API_KEY", &cfg.Anthropic.APIKey},
		{"ANTHROPIC_BASE_URL", &cfg.Anthropic.BaseURL},
		{"TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token},
		{"CUA_MODEL", &cfg.Model},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a generic nested map using its YAML keys.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config map: %w", err)
	}
	return m, nil
}

// ListValues returns the flattened config, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue reads a single dot-separated key from the file at path, creating
// the file with defaults first if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes a single dot-separated key into the file at path. The
// value is parsed as a YAML scalar so numbers and booleans keep their type.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = parseScalar(value)

	data, err := yaml.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// The result must still decode into Config.
	var check Config
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeAtomic(path, data)
}

func parseScalar(value string) any {
	if strings.HasPrefix(value, "[") {
		var list []any
		if err := yaml.Unmarshal([]byte(value), &list); err == nil {
			return list
		}
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
