package core

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render replaces {name} placeholders with session variables.
// Placeholders without a matching variable are left untouched.
func Render(template string, vars map[string]any) string {
	if template == "" || len(vars) == 0 {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			return match
		}
		if value == nil {
			return ""
		}
		return fmt.Sprint(value)
	})
}
