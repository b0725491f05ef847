package config

import "time"

// Config represents the complete cmdq configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Journal    JournalConfig    `yaml:"journal"`
	API        APIConfig        `yaml:"api,omitempty"`
	Webhooks   *WebhooksConfig  `yaml:"webhooks,omitempty"`
	Schedules  []ScheduleConfig `yaml:"schedules,omitempty"`
	Devices    []string         `yaml:"devices,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// TickInterval is how often schedules are checked.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DispatcherConfig tunes the command dispatcher.
type DispatcherConfig struct {
	// HistoryLimit caps the undo history; 0 keeps it unbounded.
	HistoryLimit int `yaml:"history_limit"`
	// EventBuffer is the number of recent lifecycle events kept for late
	// subscribers.
	EventBuffer int `yaml:"event_buffer"`
}

// JournalConfig defines the execution audit journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the admin bearer token (all scopes).
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed-webhook listener. A nil config disables it.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps one URL path to a catalog command.
type WebhookEndpoint struct {
	Path            string         `yaml:"path"`
	Command         string         `yaml:"command"`
	Args            map[string]any `yaml:"args,omitempty"`
	Secret          string         `yaml:"secret"`
	SignatureHeader string         `yaml:"signature_header"`
	MaxBodySize     string         `yaml:"max_body_size,omitempty"`
}

// ScheduleConfig submits a catalog command periodically.
type ScheduleConfig struct {
	Name    string         `yaml:"name"`
	Command string         `yaml:"command"`
	Args    map[string]any `yaml:"args,omitempty"`
	// Every is a Go duration ("90s", "5m"), "Nd", "Nw", or one of hourly,
	// daily, weekly.
	Every  string        `yaml:"every"`
	Jitter time.Duration `yaml:"jitter,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "cmdq",
			LogLevel:     "info",
			LogFormat:    "json",
			TickInterval: 5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			HistoryLimit: 0,
			EventBuffer:  256,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Devices: []string{"lamp"},
	}
}
