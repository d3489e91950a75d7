// Package config loads CitaBot configuration from a YAML file plus the
// environment. Secrets are never stored in the file directly: fields accept
// "env:VAR" and "keyring:name" references that are resolved at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// KeyringService is the service name under which CitaBot secrets live in the
// OS keyring.
const KeyringService = "citabot"

// Config is the full bot configuration.
type Config struct {
	Clinic    ClinicConfig    `yaml:"clinic"`
	LLM       LLMConfig       `yaml:"llm"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Discord   DiscordConfig   `yaml:"discord"`
	Session   SessionConfig   `yaml:"session"`
	Reminders RemindersConfig `yaml:"reminders"`
	Operators []Operator      `yaml:"operators"`
	LogLevel  string          `yaml:"log_level"`
	DBPath    string          `yaml:"db_path"`
}

// ClinicConfig points at the appointment REST backend.
type ClinicConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// LLMConfig selects the chat completion endpoint and model.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// WhatsAppConfig configures the whatsmeow channel.
type WhatsAppConfig struct {
	Enabled    bool   `yaml:"enabled"`
	StorePath  string `yaml:"store_path"`
	DeviceName string `yaml:"device_name"`
	SendTyping bool   `yaml:"send_typing"`
	MarkAsRead bool   `yaml:"mark_as_read"`
}

// DiscordConfig configures the operator-alert channel.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// SessionConfig tunes the conversation store.
type SessionConfig struct {
	TTLMinutes      int `yaml:"ttl_minutes"`
	DebounceSeconds int `yaml:"debounce_seconds"`
	MaxTurns        int `yaml:"max_turns"`
}

// RemindersConfig configures appointment reminders.
type RemindersConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"` // cron expression
	DaysAhead int    `yaml:"days_ahead"`
}

// Operator is a human agent allowed to take over conversations.
type Operator struct {
	JID  string `yaml:"jid"`
	Name string `yaml:"name"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "citabot.yaml"
	}
	return filepath.Join(home, ".citabot", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".citabot")
	return &Config{
		Clinic: ClinicConfig{Name: "la clínica"},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "env:OPENAI_API_KEY",
			Model:   "gpt-4o-mini",
		},
		WhatsApp: WhatsAppConfig{
			Enabled:    true,
			StorePath:  filepath.Join(dir, "whatsapp.db"),
			DeviceName: "CitaBot",
			SendTyping: true,
			MarkAsRead: true,
		},
		Session: SessionConfig{
			TTLMinutes:      30,
			DebounceSeconds: 10,
			MaxTurns:        20,
		},
		Reminders: RemindersConfig{
			Schedule:  "0 9 * * *",
			DaysAhead: 1,
		},
		LogLevel: "info",
		DBPath:   filepath.Join(dir, "citabot.db"),
	}
}

// Load reads the config file at path, overlaying defaults. A missing file is
// not an error; the defaults are returned. A .env file next to the config is
// loaded into the environment first so env: references resolve.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Session.TTLMinutes <= 0 {
		cfg.Session.TTLMinutes = 30
	}
	if cfg.Session.DebounceSeconds <= 0 {
		cfg.Session.DebounceSeconds = 10
	}
	if cfg.Session.MaxTurns <= 0 {
		cfg.Session.MaxTurns = 20
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// Debounce returns the message aggregation window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Session.DebounceSeconds) * time.Second
}

// ResolveSecret turns a config secret reference into its value.
// Accepted forms: "env:VAR", "keyring:name", or a literal value.
func ResolveSecret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "keyring:"):
		name := strings.TrimPrefix(ref, "keyring:")
		v, err := keyring.Get(KeyringService, name)
		if err != nil {
			return "", fmt.Errorf("failed to read %s from keyring: %w", name, err)
		}
		return v, nil
	default:
		return ref, nil
	}
}

// StoreSecret saves a secret in the OS keyring and returns the reference to
// put in the config file.
func StoreSecret(name, value string) (string, error) {
	if err := keyring.Set(KeyringService, name, value); err != nil {
		return "", fmt.Errorf("failed to store %s in keyring: %w", name, err)
	}
	return "keyring:" + name, nil
}
