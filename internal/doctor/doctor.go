// Package doctor reviews a loaded cmdq configuration for mistakes that
// config.Load accepts but that are probably unintended.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/mattjoyce/cmdq/internal/auth"
	"github.com/mattjoyce/cmdq/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTokenScopes(r)
	d.warnExposedListen(r)
	d.warnAdminKey(r)
	d.warnUnboundedHistory(r)
	d.warnNoJournal(r)
	d.warnNoDevices(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTokenScopes rejects scopes the API never checks, which would
// silently grant nothing.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if auth.IsKnownScope(scope) {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected one of: *, commands:rw, commands:ro, history:ro, journal:ro, events:ro)", scope))
		}
	}
}

func (d *Doctor) warnExposedListen(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.listen",
		fmt.Sprintf("API listens on %q, reachable beyond this host", d.cfg.API.Listen))
}

func (d *Doctor) warnAdminKey(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Auth.APIKey == "" {
		return
	}
	if len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and tokens configured; api_key bypasses every scope")
	}
	if len(d.cfg.API.Auth.APIKey) < 16 {
		d.addWarning(r, "api", "api.auth.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) warnUnboundedHistory(r *Result) {
	if d.cfg.API.Enabled && d.cfg.Dispatcher.HistoryLimit == 0 {
		d.addWarning(r, "dispatcher", "dispatcher.history_limit",
			"history is unbounded; a long-running server keeps every executed command in memory")
	}
}

func (d *Doctor) warnNoJournal(r *Result) {
	if d.cfg.API.Enabled && !d.cfg.Journal.Enabled {
		d.addWarning(r, "journal", "journal.enabled",
			"journal disabled; GET /journal will return 404 and no audit trail is kept")
	}
}

func (d *Doctor) warnNoDevices(r *Result) {
	if len(d.cfg.Devices) == 0 {
		d.addWarning(r, "devices", "devices", "no devices configured; device commands cannot be built")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
