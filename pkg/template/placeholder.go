package template

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}\s]+)\}\}`)

// Placeholders returns the distinct {{name}} tokens of content in order of
// first appearance. The result is never nil.
func Placeholders(content string) []string {
	names := []string{}
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Missing returns the declared variables that have no binding, in
// declaration order
func Missing(declared []string, bindings map[string]string) []string {
	var missing []string
	for _, name := range declared {
		if _, ok := bindings[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Substitute replaces every {{name}} of each declared variable with its
// binding in a single pass. Undeclared placeholders are left verbatim and
// substituted values are never rescanned.
func Substitute(content string, declared []string, bindings map[string]string) string {
	if len(declared) == 0 {
		return content
	}
	pairs := make([]string, 0, len(declared)*2)
	for _, name := range declared {
		value, ok := bindings[name]
		if !ok {
			continue
		}
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	if len(pairs) == 0 {
		return content
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
