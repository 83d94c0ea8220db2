package control

import (
	"bytes"
	"fmt"
	"text/template"

	"pvefleet/internal/inventory"
)

// step is an automation string that may reference the target host, as in
// "hostnamectl set-hostname {{.Host.Name}}".
type step struct {
	raw  string
	tmpl *template.Template
}

func parseStep(s string) (step, error) {
	tmpl, err := template.New("step").Option("missingkey=error").Parse(s)
	if err != nil {
		return step{}, fmt.Errorf("failed to parse template: %w", err)
	}
	return step{raw: s, tmpl: tmpl}, nil
}

// stepContext is what templates see.
type stepContext struct {
	Host inventory.Host
}

func (s step) render(h inventory.Host) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, stepContext{Host: h}); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
