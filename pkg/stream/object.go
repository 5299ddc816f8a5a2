package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ObjectAdapter incrementally parses a streamed JSON object of the form
// {"dataComponents": [ {...}, {...} ]} and surfaces each array entry once it
// is complete. Entries are emitted exactly once, in order.
type ObjectAdapter struct {
	logger *slog.Logger
	buf    strings.Builder

	arrayFound bool
	pos        int
	done       bool
}

func NewObjectAdapter() *ObjectAdapter {
	return &ObjectAdapter{logger: slog.Default().With("component", "stream")}
}

// Write appends a JSON fragment and returns any entries that stabilized.
func (a *ObjectAdapter) Write(delta string) []map[string]any {
	if a.done {
		return nil
	}
	a.buf.WriteString(delta)
	return a.extract()
}

// Flush returns entries completed by the final fragment. A trailing partial
// entry is discarded with a warning since the model never finished it.
func (a *ObjectAdapter) Flush() []map[string]any {
	out := a.extract()
	if !a.done && a.arrayFound && a.pos < a.buf.Len() {
		if rest := strings.TrimSpace(a.buf.String()[a.pos:]); rest != "" && rest != "]" && rest != "]}" {
			a.logger.Warn("discarding incomplete structured output entry", "fragment_len", len(rest))
		}
	}
	a.done = true
	return out
}

func (a *ObjectAdapter) extract() []map[string]any {
	s := a.buf.String()

	if !a.arrayFound {
		key := strings.Index(s, `"dataComponents"`)
		if key < 0 {
			return nil
		}
		bracket := strings.IndexByte(s[key:], '[')
		if bracket < 0 {
			return nil
		}
		a.arrayFound = true
		a.pos = key + bracket + 1
	}

	var out []map[string]any
	for {
		i := skipSeparators(s, a.pos)
		if i >= len(s) {
			return out
		}
		if s[i] == ']' {
			a.done = true
			return out
		}
		if s[i] != '{' {
			// Malformed stream; stop extracting rather than loop.
			a.done = true
			return out
		}
		end, ok := scanObject(s, i)
		if !ok {
			return out
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(s[i:end]), &entry); err == nil {
			out = append(out, entry)
		} else {
			a.logger.Warn("skipping undecodable structured output entry", "error", err)
		}
		a.pos = end
	}
}

func skipSeparators(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r', ',':
			i++
		default:
			return i
		}
	}
	return i
}

// scanObject returns the index just past the balanced object starting at i,
// honoring string literals and escapes.
func scanObject(s string, i int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for ; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
