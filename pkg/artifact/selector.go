package artifact

import (
	"regexp"
	"strings"

	"github.com/jmespath/go-jmespath"
)

var (
	doubleQuotedEq = regexp.MustCompile(`(==\s*)"((?:[^"\\]|\\.)*)"`)
	tildeOp        = regexp.MustCompile(`~\s*`)
	atStep         = regexp.MustCompile(`@\.?`)
	multiDot       = regexp.MustCompile(`\.{2,}`)
)

// SanitizeSelector normalizes a model-emitted selector into valid JMESPath.
// Double-quoted comparison literals become single-quoted raw strings and the
// unsupported ~ and @ operators are dropped.
func SanitizeSelector(sel string) string {
	sel = strings.TrimSpace(sel)
	sel = doubleQuotedEq.ReplaceAllString(sel, `$1'$2'`)
	sel = tildeOp.ReplaceAllString(sel, "")
	sel = atStep.ReplaceAllString(sel, "")
	sel = multiDot.ReplaceAllString(sel, ".")
	sel = strings.Trim(sel, ".")
	return sel
}

// ApplySelector evaluates the sanitized selector against data. An empty
// selector returns data unchanged.
func ApplySelector(data any, sel string) (any, error) {
	sel = SanitizeSelector(sel)
	if sel == "" {
		return data, nil
	}
	return jmespath.Search(sel, data)
}

// ApplyBase resolves the base selector for a directive: arrays collapse to
// their first element and null results become an empty object so prop
// selectors still run against placeholders.
func ApplyBase(data any, base string) any {
	result, err := ApplySelector(data, base)
	if err != nil || result == nil {
		return map[string]any{}
	}
	if arr, ok := result.([]any); ok {
		if len(arr) == 0 {
			return map[string]any{}
		}
		result = arr[0]
	}
	if result == nil {
		return map[string]any{}
	}
	return result
}

// Project evaluates each prop selector against base and returns the
// projection. Selectors that fail or return nil are skipped.
func Project(base any, props map[string]string) map[string]any {
	if len(props) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(props))
	for name, sel := range props {
		val, err := ApplySelector(base, sel)
		if err != nil || val == nil {
			continue
		}
		out[name] = val
	}
	return out
}
