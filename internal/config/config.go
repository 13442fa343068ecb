// Package config handles loading and validating the mailtriage configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider kinds recognized in account configuration.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Config is the top-level configuration document. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	DatabasePath string                   `json:"databasePath"`
	AI           AIConfig                 `json:"ai"`
	Sync         SyncConfig               `json:"sync"`
	Server       ServerConfig             `json:"server"`
	Accounts     map[string]AccountConfig `json:"accounts"`
}

// TagSpec is a taxonomy entry: a tag name plus the description shown to
// the classifier.
type TagSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AIConfig holds classifier configuration.
type AIConfig struct {
	Enabled        bool              `json:"enabled"`
	Model          string            `json:"model"`
	Endpoint       string            `json:"endpoint"`
	Temperature    float64           `json:"temperature"`
	UseDefaultTags *bool             `json:"useDefaultTags"` // nil means true
	Tags           []TagSpec         `json:"tags"`
	ExcludeTags    []string          `json:"excludeTags"`
	LabelPrefix    string            `json:"labelPrefix"`
	LabelColors    map[string]string `json:"labelColors"`
}

// UseDefaults reports whether the built-in taxonomy should be included.
func (a *AIConfig) UseDefaults() bool {
	return a.UseDefaultTags == nil || *a.UseDefaultTags
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	MaxMessagesPerSync int    `json:"maxMessagesPerSync"`
	Schedule           string `json:"schedule"` // cron expression; empty disables the scheduler
}

// ServerConfig holds HTTP façade configuration.
type ServerConfig struct {
	APIPort int    `json:"apiPort"`
	APIKey  string `json:"apiKey"`
}

// AccountConfig describes a single mailbox account.
type AccountConfig struct {
	Provider       string        `json:"provider"`
	Email          string        `json:"email"`
	CredentialFile string        `json:"credentialFile"`
	IMAP           *IMAPConfig   `json:"imap,omitempty"`
	SMTP           *SMTPConfig   `json:"smtp,omitempty"`
	Labels         *LabelsConfig `json:"labels,omitempty"`
}

// IMAPConfig holds IMAP server connection settings.
type IMAPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// SMTPConfig holds SMTP submission settings for IMAP accounts.
type SMTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// LabelsConfig overrides the global label prefix and colors per account.
type LabelsConfig struct {
	Prefix string            `json:"prefix"`
	Colors map[string]string `json:"colors"`
}

// LabelPrefix returns the effective provider-label prefix for an account.
func (c *Config) LabelPrefix(accountID string) string {
	if acc, ok := c.Accounts[accountID]; ok && acc.Labels != nil && acc.Labels.Prefix != "" {
		return acc.Labels.Prefix
	}
	if c.AI.LabelPrefix != "" {
		return c.AI.LabelPrefix
	}
	return "AI/"
}

// LabelColor returns the configured color for a tag's provider label, or
// empty when none is configured.
func (c *Config) LabelColor(accountID, tag string) string {
	if acc, ok := c.Accounts[accountID]; ok && acc.Labels != nil {
		if color, ok := acc.Labels.Colors[tag]; ok {
			return color
		}
	}
	return c.AI.LabelColors[tag]
}

// Load reads the configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		AI: AIConfig{
			Endpoint:    "http://localhost:11434",
			Temperature: 0.3,
		},
		Sync: SyncConfig{
			MaxMessagesPerSync: 100,
		},
		Server: ServerConfig{
			APIPort: 8765,
		},
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(defaultHome(), "mailtriage.db")
	}
	cfg.DatabasePath = expandPath(cfg.DatabasePath)
	for id, acc := range cfg.Accounts {
		acc.CredentialFile = expandPath(acc.CredentialFile)
		cfg.Accounts[id] = acc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Sync.MaxMessagesPerSync <= 0 {
		c.Sync.MaxMessagesPerSync = 100
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("ai.temperature %v out of range", c.AI.Temperature)
	}
	for id, acc := range c.Accounts {
		if err := acc.validate(); err != nil {
			return fmt.Errorf("account %q: %w", id, err)
		}
	}
	return nil
}

func (a *AccountConfig) validate() error {
	switch a.Provider {
	case ProviderGmail:
	case ProviderIMAP:
		if a.IMAP == nil || a.IMAP.Host == "" {
			return fmt.Errorf("imap host is required for imap accounts")
		}
	default:
		return fmt.Errorf("unknown provider %q", a.Provider)
	}
	if a.Email == "" || !strings.Contains(a.Email, "@") {
		return fmt.Errorf("invalid email %q", a.Email)
	}
	if a.CredentialFile == "" {
		return fmt.Errorf("credentialFile is required")
	}
	return nil
}

// defaultHome returns the default mailtriage data directory.
// Respects MAILTRIAGE_HOME.
func defaultHome() string {
	if h := os.Getenv("MAILTRIAGE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailtriage"
	}
	return filepath.Join(home, ".mailtriage")
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
