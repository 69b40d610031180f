package template

import (
	"regexp"
	"strings"
)

// NotAvailable replaces any placeholder the caller supplied no value for.
const NotAvailable = "[Not Available]"

// placeholderPattern absorbs extra braces around a name, so {{{{Name}}}} renders as Name's value.
var placeholderPattern = regexp.MustCompile(`\{\{+\s*([^{}]*?)\s*\}\}+`)

// leftoverPattern matches any brace pair the placeholder pass left behind.
var leftoverPattern = regexp.MustCompile(`(?s)\{\{.*?\}\}`)

// Render substitutes {{Name}} tokens from data. It never fails and its output holds
// no {{...}} pair: tokens without a value, malformed tokens and any token introduced
// by a substituted value become NotAvailable.
func Render(tpl string, data map[string]string) string {
	if tpl == "" {
		return ""
	}
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(tok string) string {
		name := placeholderPattern.FindStringSubmatch(tok)[1]
		if v, ok := data[name]; ok {
			return v
		}
		return NotAvailable
	})
	if strings.Contains(out, "{{") {
		out = leftoverPattern.ReplaceAllString(out, NotAvailable)
	}
	return out
}

// MissingPlaceholders lists required names that have no non-empty value in data.
func MissingPlaceholders(required []string, data map[string]string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(data[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ValidatePlaceholders is the boolean form of MissingPlaceholders.
func ValidatePlaceholders(required []string, data map[string]string) bool {
	return len(MissingPlaceholders(required, data)) == 0
}

// ExtractPlaceholders returns the distinct placeholder names used in the given texts, in order of appearance.
func ExtractPlaceholders(texts ...string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, text := range texts {
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			if m[1] == "" {
				continue
			}
			if _, ok := seen[m[1]]; ok {
				continue
			}
			seen[m[1]] = struct{}{}
			names = append(names, m[1])
		}
	}
	return names
}
