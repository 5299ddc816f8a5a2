package contextcfg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.$\-\[\]]+)\s*\}\}`)

// Render substitutes {{dotted.path}} placeholders in tmpl with values looked
// up in data. Unresolved placeholders render as empty strings so partially
// resolved contexts never leak raw template syntax into prompts or headers.
func Render(tmpl string, data map[string]any) string {
	out, _ := render(tmpl, data, false)
	return out
}

// RenderStrict is Render but fails on the first unresolved placeholder.
func RenderStrict(tmpl string, data map[string]any) (string, error) {
	return render(tmpl, data, true)
}

func render(tmpl string, data map[string]any, strict bool) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := lookupPath(data, path)
		if !ok {
			if strict && firstErr == nil {
				firstErr = fmt.Errorf("unresolved template reference %q", path)
			}
			return ""
		}
		return stringify(val)
	})
	return out, firstErr
}

// lookupPath walks a dotted path through nested maps and slices. Slice
// elements are addressed with a numeric segment, e.g. "items.0.name".
func lookupPath(data map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = data
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ReferencedPaths returns the top-level names referenced by placeholders in
// tmpl. Used to order definition evaluation.
func ReferencedPaths(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		root := strings.SplitN(strings.TrimSpace(m[1]), ".", 2)[0]
		if !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	return out
}
