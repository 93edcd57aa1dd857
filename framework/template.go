// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

import (
	"strings"
	"text/template"
)

// indentLines prefixes each non-empty line of s with the given number of
// spaces, keeping nested field listings aligned in rendered help text.
func indentLines(spaces int, s string) string {
	prefix := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// executeTemplate renders the path-help templates.
func executeTemplate(tpl string, data interface{}) (string, error) {
	t, err := template.New("t").
		Funcs(template.FuncMap{"indent": indentLines}).
		Parse(tpl)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
