// Package artifact turns tool results into persisted, streamable artifacts.
// Directives arrive inline in model text or as structured output entries;
// both run through the same extraction pipeline.
package artifact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Directive kinds.
const (
	KindCreate = "create"
	KindRef    = "ref"
)

// Directive is one parsed artifact instruction.
type Directive struct {
	Kind       string
	ArtifactID string
	ToolCallID string
	Type       string
	Base       string
	Summary    map[string]string // prop name -> selector
	Full       map[string]string
}

var (
	tagPattern  = regexp.MustCompile(`^<artifact:(create|ref)\b(.*?)/>$`)
	attrPattern = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// ParseDirective parses a complete <artifact:…/> tag. Attribute values accept
// single or double quotes; summary and full accept inline JSON or the loose
// {prop: selector, …} form.
func ParseDirective(tag string) (*Directive, error) {
	m := tagPattern.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return nil, fmt.Errorf("not an artifact directive: %q", tag)
	}
	d := &Directive{Kind: m[1]}

	for _, attr := range attrPattern.FindAllStringSubmatch(m[2], -1) {
		name := attr[1]
		value := attr[2]
		if value == "" {
			value = attr[3]
		}
		switch name {
		case "id":
			d.ArtifactID = value
		case "tool":
			d.ToolCallID = value
		case "type":
			d.Type = value
		case "base":
			d.Base = value
		case "summary":
			props, err := parseProps(value)
			if err != nil {
				return nil, fmt.Errorf("invalid summary attribute: %w", err)
			}
			d.Summary = props
		case "full":
			props, err := parseProps(value)
			if err != nil {
				return nil, fmt.Errorf("invalid full attribute: %w", err)
			}
			d.Full = props
		}
	}

	if d.ArtifactID == "" || d.ToolCallID == "" {
		return nil, fmt.Errorf("artifact directive missing id or tool attribute")
	}
	if d.Kind == KindCreate && d.Type == "" {
		return nil, fmt.Errorf("artifact create directive missing type attribute")
	}
	return d, nil
}

// parseProps accepts strict JSON ({"name": "sel"}) or the loose braced form
// the model tends to emit ({name: sel, total: items[0].total}).
func parseProps(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var strict map[string]string
	if err := json.Unmarshal([]byte(value), &strict); err == nil {
		return strict, nil
	}

	inner := strings.TrimSpace(value)
	if !strings.HasPrefix(inner, "{") || !strings.HasSuffix(inner, "}") {
		return nil, fmt.Errorf("expected braced prop map, got %q", value)
	}
	inner = inner[1 : len(inner)-1]

	props := make(map[string]string)
	for _, pair := range splitTopLevel(inner, ',') {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		colon := strings.Index(pair, ":")
		if colon < 0 {
			return nil, fmt.Errorf("prop entry missing selector: %q", pair)
		}
		key := strings.Trim(strings.TrimSpace(pair[:colon]), `"'`)
		sel := strings.Trim(strings.TrimSpace(pair[colon+1:]), `"'`)
		if key == "" || sel == "" {
			return nil, fmt.Errorf("empty prop entry: %q", pair)
		}
		props[key] = sel
	}
	return props, nil
}

// splitTopLevel splits on sep outside of brackets and quotes so selectors
// containing commas survive.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// FromStructured converts an ArtifactCreate_<Type> structured-output entry to
// the directive form.
func FromStructured(entry map[string]any) (*Directive, error) {
	name, _ := entry["name"].(string)
	artifactType := strings.TrimPrefix(name, StructuredPrefix)
	if artifactType == name {
		return nil, fmt.Errorf("not an artifact create entry: %q", name)
	}

	props, _ := entry["props"].(map[string]any)
	d := &Directive{Kind: KindCreate, Type: artifactType}
	d.ArtifactID, _ = props["artifact_id"].(string)
	if d.ArtifactID == "" {
		d.ArtifactID, _ = props["id"].(string)
	}
	d.ToolCallID, _ = props["tool_call_id"].(string)
	if d.ToolCallID == "" {
		d.ToolCallID, _ = props["tool"].(string)
	}
	d.Base, _ = props["base"].(string)
	d.Summary = toSelectorMap(props["summary"])
	d.Full = toSelectorMap(props["full"])

	if d.ArtifactID == "" || d.ToolCallID == "" {
		return nil, fmt.Errorf("artifact create entry missing artifact_id or tool_call_id")
	}
	return d, nil
}

// StructuredPrefix marks structured-output entries that create artifacts.
const StructuredPrefix = "ArtifactCreate_"

func toSelectorMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, sel := range raw {
		if s, ok := sel.(string); ok {
			out[k] = s
		}
	}
	return out
}
