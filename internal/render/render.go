// Package render fills {{NAME}} placeholders in text assets such as proxy
// configs and service units.
package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// MissingVariableError lists placeholders that had no value
type MissingVariableError struct {
	Names []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable %s", strings.Join(e.Names, ", "))
}

// Render substitutes every placeholder in tmpl. It fails closed: any
// placeholder without a value aborts rendering.
func Render(tmpl string, vars map[string]string) (string, error) {
	missing := map[string]struct{}{}

	out := placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			missing[name] = struct{}{}
			return match
		}
		return value
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", &MissingVariableError{Names: names}
	}

	return out, nil
}

// Placeholders lists the distinct placeholder names in tmpl, in order of first use
func Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var names []string
	for _, match := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}
