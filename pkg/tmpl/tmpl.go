// Package tmpl renders Go templates for command lines and welcome text.
package tmpl

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"shq":     Quote,
	"default": defaultValue,
}

// Quote single-quotes s for a POSIX shell, closing and reopening the quote
// around each embedded single quote.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func defaultValue(fallback, v any) any {
	if s, ok := v.(string); ok && s == "" {
		return fallback
	}
	if v == nil {
		return fallback
	}
	return v
}

// Render executes a template string with data. Undefined keys are errors.
//
// Functions:
//   - shq: shell-quote a value
//   - default: {{ .Lines | default "20" }}
func Render(text string, data any) (string, error) {
	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return buf.String(), nil
}

// Command renders a command line from vars. The result must be a single
// non-blank line since it is written to the shell as one submission.
func Command(text string, vars map[string]string) (string, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	out, err := Render(text, vars)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("command %q renders to an empty line", text)
	}
	if strings.ContainsAny(out, "\r\n") {
		return "", fmt.Errorf("command %q renders to more than one line", text)
	}
	return out, nil
}
