package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter renders report snapshots.
type Formatter interface {
	// FormatReport formats a single run.
	FormatReport(s Snapshot) (string, error)

	// FormatHistory formats a list of runs, one summary line each.
	FormatHistory(runs []Snapshot) (string, error)
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(format string) (Formatter, error) {
	switch Format(format) {
	case FormatTable, "":
		return &TableFormatter{}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", format)
	}
}

// TableFormatter formats reports as human-readable tables.
type TableFormatter struct{}

// FormatReport formats one run as a table of targets.
func (f *TableFormatter) FormatReport(s Snapshot) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Run %s (%s)\n", s.RunID, s.Operation)
	if len(s.Entries) == 0 {
		buf.WriteString("No targets\n")
		return buf.String(), nil
	}

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VMID\tNAME\tOUTCOME\tDURATION\tMESSAGE")
	for _, e := range s.Entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		msg := e.Message
		if e.Warning != "" {
			if msg != "" {
				msg += "; "
			}
			msg += "warning: " + e.Warning
		}
		if msg == "" {
			msg = "-"
		}
		d := time.Duration(e.DurationMs) * time.Millisecond
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.TargetID, name, e.Outcome, d.Round(time.Millisecond), msg)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatHistory formats runs as a summary table.
func (f *TableFormatter) FormatHistory(runs []Snapshot) (string, error) {
	if len(runs) == 0 {
		return "No runs recorded\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tOPERATION\tSTARTED\tTARGETS\tRESULT")
	for _, s := range runs {
		result := "success"
		if !s.Succeeded() {
			result = "partial failure"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.RunID, s.Operation, s.StartedAt.UTC().Format(time.RFC3339), len(s.Entries), result)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// JSONFormatter formats reports as indented JSON.
type JSONFormatter struct{}

// FormatReport formats one run as JSON.
func (f *JSONFormatter) FormatReport(s Snapshot) (string, error) {
	return marshalJSON(s)
}

// FormatHistory formats runs as a JSON array.
func (f *JSONFormatter) FormatHistory(runs []Snapshot) (string, error) {
	if runs == nil {
		runs = []Snapshot{}
	}
	return marshalJSON(runs)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// YAMLFormatter formats reports as YAML.
type YAMLFormatter struct{}

// FormatReport formats one run as YAML.
func (f *YAMLFormatter) FormatReport(s Snapshot) (string, error) {
	return marshalYAML(s)
}

// FormatHistory formats runs as a YAML sequence.
func (f *YAMLFormatter) FormatHistory(runs []Snapshot) (string, error) {
	return marshalYAML(runs)
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return string(data), nil
}
