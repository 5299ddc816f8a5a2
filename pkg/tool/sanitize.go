package tool

import (
	"regexp"
	"strings"
)

const (
	maxNameLength = 100
	fallbackName  = "unnamed_tool"
)

var (
	illegalChars   = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	underscoreRuns = regexp.MustCompile(`_{2,}`)
)

// SanitizeName normalizes a runtime tool name to [A-Za-z0-9_-]: illegal
// characters become underscores, runs collapse, leading and trailing
// underscores are trimmed, and the result is truncated to 100 characters.
// The function is idempotent.
func SanitizeName(name string) string {
	name = illegalChars.ReplaceAllString(name, "_")
	name = underscoreRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
		name = strings.Trim(name, "_")
	}
	if name == "" {
		return fallbackName
	}
	return name
}
