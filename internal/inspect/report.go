// Package inspect renders the journal trail of a single command.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/cmdq/internal/journal"
)

// ErrNotFound is returned when the journal has no rows for a command.
var ErrNotFound = errors.New("command not found in journal")

// RecordSource returns every journal row for a command, oldest first.
type RecordSource interface {
	ForCommand(ctx context.Context, commandID string) ([]journal.Record, error)
}

// Report is the structured JSON representation of a command report.
type Report struct {
	CommandID   string  `json:"command_id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	SubmittedAt string  `json:"submitted_at"`
	RunMillis   *int64  `json:"run_ms,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	Steps       []Step  `json:"steps"`
}

// Step is one journal row for the command.
type Step struct {
	Seq        int64   `json:"seq"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	RecordedAt string  `json:"recorded_at"`
	Error      *string `json:"error,omitempty"`
	Hash       string  `json:"hash"`
}

// BuildReport renders a terminal-friendly report for a command.
func BuildReport(ctx context.Context, src RecordSource, commandID string) (string, error) {
	report, err := gatherReportData(ctx, src, commandID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "Command ID  : %s\n", report.CommandID)
	fmt.Fprintf(&out, "Description : %s\n", report.Description)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Submitted   : %s\n", report.SubmittedAt)
	if report.RunMillis != nil {
		fmt.Fprintf(&out, "Run time    : %dms\n", *report.RunMillis)
	}
	if report.LastError != nil {
		fmt.Fprintf(&out, "Last error  : %s\n", *report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s (%s)\n", step.Seq, step.Kind, step.Status)
		fmt.Fprintf(&out, "    recorded : %s\n", step.RecordedAt)
		if step.Error != nil {
			fmt.Fprintf(&out, "    error    : %s\n", *step.Error)
		}
		fmt.Fprintf(&out, "    hash     : %s\n", shortHash(step.Hash))
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src RecordSource, commandID string) (string, error) {
	report, err := gatherReportData(ctx, src, commandID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src RecordSource, commandID string) (*Report, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, fmt.Errorf("command_id is required")
	}

	records, err := src.ForCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}

	latest := records[len(records)-1]
	report := &Report{
		CommandID:   latest.CommandID,
		Description: latest.Description,
		Status:      latest.Status,
		SubmittedAt: latest.SubmittedAt,
		RunMillis:   runMillis(latest.StartedAt, latest.CompletedAt),
		LastError:   latest.LastError,
		Steps:       make([]Step, 0, len(records)),
	}

	for _, r := range records {
		report.Steps = append(report.Steps, Step{
			Seq:        r.Seq,
			Kind:       r.Kind,
			Status:     r.Status,
			RecordedAt: r.RecordedAt,
			Error:      r.LastError,
			Hash:       r.Hash,
		})
	}
	return report, nil
}

func runMillis(started, completed *string) *int64 {
	if started == nil || completed == nil {
		return nil
	}
	s, err := time.Parse(time.RFC3339Nano, *started)
	if err != nil {
		return nil
	}
	c, err := time.Parse(time.RFC3339Nano, *completed)
	if err != nil {
		return nil
	}
	ms := c.Sub(s).Milliseconds()
	return &ms
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
