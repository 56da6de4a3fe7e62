// Package template renders the text/template snippets the installer writes
// into shell rc files and the profile.d script.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{"shquote": ShellQuote}

// Render executes the Go template string s with params as the data object.
// A key missing from params is an error rather than an empty string, so a
// half-rendered snippet never reaches a user's rc file. Templates may call
// shquote.
func Render(s string, params map[string]any) (string, error) {
	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", s, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute template %q: %w", s, err)
	}
	return buf.String(), nil
}

// MarkedBlock renders body and wraps it between begin and end marker lines.
// The result always ends in a newline.
func MarkedBlock(begin, end, body string, params map[string]any) (string, error) {
	rendered, err := Render(body, params)
	if err != nil {
		return "", err
	}
	if len(rendered) > 0 && rendered[len(rendered)-1] != '\n' {
		rendered += "\n"
	}
	return begin + "\n" + rendered + end + "\n", nil
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
