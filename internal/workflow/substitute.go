package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_.-]+)\}`)

// References returns the distinct step names referenced by input.
func References(input any) []string {
	var out []string
	seen := make(map[string]bool)
	walk(input, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	})
	return out
}

func walk(v any, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case map[string]any:
		for _, e := range x {
			walk(e, fn)
		}
	case []any:
		for _, e := range x {
			walk(e, fn)
		}
	case []string:
		for _, e := range x {
			fn(e)
		}
	}
}

// Substitute replaces ${steps.<name>} references in input with results. A
// string that is exactly one reference becomes the referenced value itself;
// references embedded in longer strings are formatted with fmt.Sprint.
// Maps and slices are copied, never modified in place. Unknown references
// are left untouched.
func Substitute(input any, results map[string]any) any {
	switch x := input.(type) {
	case string:
		return substituteString(x, results)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = Substitute(v, results)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = Substitute(v, results)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = substituteString(v, results)
		}
		return out
	default:
		return input
	}
}

func substituteString(s string, results map[string]any) any {
	if m := refPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := results[s[m[2]:m[3]]]; ok {
			return v
		}
		return s
	}
	if !strings.Contains(s, "${steps.") {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := refPattern.FindStringSubmatch(ref)[1]
		if v, ok := results[name]; ok {
			return fmt.Sprint(v)
		}
		return ref
	})
}
