package tool

import (
	"fmt"
	"sort"
)

const (
	hintMaxDepth    = 4
	hintMaxPerGroup = 20
)

// StructureHints describes the shape of a tool result so the model can emit
// valid artifact selectors against it.
type StructureHints struct {
	TerminalPaths    []string `json:"terminalPaths,omitempty"`
	ArrayPaths       []string `json:"arrayPaths,omitempty"`
	ObjectPaths      []string `json:"objectPaths,omitempty"`
	ExampleSelectors []string `json:"exampleSelectors,omitempty"`
}

func (h *StructureHints) empty() bool {
	return len(h.TerminalPaths) == 0 && len(h.ArrayPaths) == 0 && len(h.ObjectPaths) == 0
}

// BuildStructureHints walks the result to hintMaxDepth and collects up to
// hintMaxPerGroup paths per category. Returns nil for scalar-only results.
func BuildStructureHints(data any) *StructureHints {
	h := &StructureHints{}
	walkHints(data, "", 0, h)

	sort.Strings(h.TerminalPaths)
	sort.Strings(h.ArrayPaths)
	sort.Strings(h.ObjectPaths)
	h.TerminalPaths = capList(h.TerminalPaths)
	h.ArrayPaths = capList(h.ArrayPaths)
	h.ObjectPaths = capList(h.ObjectPaths)

	if h.empty() {
		return nil
	}

	for _, p := range h.ArrayPaths {
		if len(h.ExampleSelectors) >= hintMaxPerGroup {
			break
		}
		h.ExampleSelectors = append(h.ExampleSelectors, p+"[0]")
	}
	for _, p := range h.TerminalPaths {
		if len(h.ExampleSelectors) >= hintMaxPerGroup {
			break
		}
		h.ExampleSelectors = append(h.ExampleSelectors, p)
	}
	return h
}

func walkHints(v any, path string, depth int, h *StructureHints) {
	if depth > hintMaxDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		if path != "" {
			h.ObjectPaths = append(h.ObjectPaths, path)
		}
		for k, val := range t {
			if k == "_structureHints" {
				continue
			}
			walkHints(val, joinPath(path, k), depth+1, h)
		}
	case []any:
		if path != "" {
			h.ArrayPaths = append(h.ArrayPaths, path)
		}
		if len(t) > 0 {
			walkHints(t[0], path+"[0]", depth+1, h)
		}
	default:
		if path != "" {
			h.TerminalPaths = append(h.TerminalPaths, path)
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return fmt.Sprintf("%s.%s", base, key)
}

func capList(list []string) []string {
	if len(list) > hintMaxPerGroup {
		return list[:hintMaxPerGroup]
	}
	return list
}
