package tool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already clean", "search_docs", "search_docs"},
		{"spaces become underscores", "search the docs", "search_the_docs"},
		{"special chars stripped", "search.docs!v2", "search_docs_v2"},
		{"runs collapse", "a---b___c", "a---b_c"},
		{"leading trailing trimmed", "__search__", "search"},
		{"empty falls back", "", "unnamed_tool"},
		{"only junk falls back", "!!!", "unnamed_tool"},
		{"hyphens kept", "my-tool", "my-tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 150)
	got := SanitizeName(long)
	assert.Len(t, got, 100)
}

func TestSanitizeNameIdempotent(t *testing.T) {
	inputs := []string{"search the docs", "!!!", strings.Repeat("x_", 80), "__a__b__"}
	for _, in := range inputs {
		once := SanitizeName(in)
		assert.Equal(t, once, SanitizeName(once), "input %q", in)
	}
}
