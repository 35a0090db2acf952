// Package render substitutes {{identifier}} placeholders in message templates.
package render

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Render replaces every {{name}} with fields[name]. Unknown identifiers render
// as the empty string.
func Render(tmpl string, fields map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return fields[key]
	})
}
