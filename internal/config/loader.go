package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNoConfig is returned by Discover when no config file is found.
var ErrNoConfig = errors.New("no config file found")

// Load reads, interpolates, defaults and validates the config at path. A
// directory path is resolved to config.yaml inside it.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes. Fields absent from data keep their
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file. Priority order: $CMDQ_CONFIG,
// ~/.config/cmdq/config.yaml, /etc/cmdq/config.yaml, ./config.yaml.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv("CMDQ_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "cmdq", "config.yaml"))
	}
	candidates = append(candidates, "/etc/cmdq/config.yaml", "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w (checked: %s)", ErrNoConfig, strings.Join(candidates, ", "))
}

// applyConfigDefaults fills zero values that an explicit YAML file may have
// cleared.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.TickInterval <= 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Dispatcher.EventBuffer <= 0 {
		cfg.Dispatcher.EventBuffer = defaults.Dispatcher.EventBuffer
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Webhooks != nil {
		for i := range cfg.Webhooks.Endpoints {
			if cfg.Webhooks.Endpoints[i].SignatureHeader == "" {
				cfg.Webhooks.Endpoints[i].SignatureHeader = "X-Hub-Signature-256"
			}
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.Dispatcher.HistoryLimit < 0 {
		return fmt.Errorf("dispatcher.history_limit must be >= 0")
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("devices: empty device name")
		}
		if seen[d] {
			return fmt.Errorf("devices: duplicate device %q", d)
		}
		seen[d] = true
	}

	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}
	if err := validateSchedules(cfg.Schedules); err != nil {
		return err
	}

	if !cfg.API.Enabled {
		return nil
	}
	if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth.api_key or api.auth.tokens is required when api is enabled")
	}
	if m := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); m != nil {
		return fmt.Errorf("api.auth.api_key references undefined environment variable %s", m[1])
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if m := envVarPattern.FindStringSubmatch(tok.Token); m != nil {
			return fmt.Errorf("api.auth.tokens[%d] references undefined environment variable %s", i, m[1])
		}
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes is empty", i)
		}
	}
	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when webhooks are configured")
	}
	if len(wc.Endpoints) == 0 {
		return fmt.Errorf("webhooks.endpoints is empty")
	}
	paths := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d].path must start with /", i)
		}
		if paths[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Command == "" {
			return fmt.Errorf("webhooks.endpoints[%d].command is required", i)
		}
		if m := envVarPattern.FindStringSubmatch(ep.Secret); m != nil {
			return fmt.Errorf("webhooks.endpoints[%d].secret references undefined environment variable %s", i, m[1])
		}
		if ep.Secret == "" {
			return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
		}
	}
	return nil
}

func validateSchedules(schedules []ScheduleConfig) error {
	names := make(map[string]bool, len(schedules))
	for i, sc := range schedules {
		if sc.Name == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if names[sc.Name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = true
		if sc.Command == "" {
			return fmt.Errorf("schedules[%d].command is required", i)
		}
		if _, err := ParseInterval(sc.Every); err != nil {
			return fmt.Errorf("schedules[%d].every: %w", i, err)
		}
		if sc.Jitter < 0 {
			return fmt.Errorf("schedules[%d].jitter must be >= 0", i)
		}
	}
	return nil
}

// ParseInterval converts a schedule interval to a duration. It accepts Go
// durations, whole days ("3d") or weeks ("2w"), and the names hourly, daily
// and weekly.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := parseDayInterval(interval)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		if d, err = time.ParseDuration(interval); err != nil {
			return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}

// parseDayInterval handles "Nd" and "Nw". It returns 0 for anything else.
func parseDayInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, nil
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, nil
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("schedule interval too large: %q", interval)
	}
	return time.Duration(n) * unit, nil
}
