package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkeep/agents-runtime/pkg/runtimeerr"
)

func TestPostProcessErrorEnvelope(t *testing.T) {
	result := map[string]any{
		"isError": true,
		"content": []any{
			map[string]any{"type": "text", "text": "rate limit exceeded"},
		},
	}

	_, err := PostProcess("search", result, false)
	require.Error(t, err)
	assert.Equal(t, runtimeerr.KindToolFailed, runtimeerr.KindOf(err))
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestPostProcessErrorWithoutContent(t *testing.T) {
	_, err := PostProcess("search", map[string]any{"isError": true}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search")
}

func TestPostProcessParsesEmbeddedJSON(t *testing.T) {
	result := map[string]any{
		"content": []any{
			map[string]any{
				"type": "text",
				"text": `{"items": [{"id": 1}, {"id": 2}]}`,
			},
		},
	}

	out, err := PostProcess("search", result, false)
	require.NoError(t, err)

	content := out["content"].([]any)
	block := content[0].(map[string]any)
	parsed, ok := block["text"].(map[string]any)
	require.True(t, ok, "embedded JSON should be parsed in place")
	assert.Len(t, parsed["items"], 2)
}

func TestPostProcessLeavesPlainStrings(t *testing.T) {
	result := map[string]any{
		"text":   "just text",
		"broken": `{"unterminated": `,
	}

	out, err := PostProcess("search", result, false)
	require.NoError(t, err)
	assert.Equal(t, "just text", out["text"])
	assert.Equal(t, `{"unterminated": `, out["broken"])
}

func TestPostProcessAttachesHints(t *testing.T) {
	result := map[string]any{
		"results": []any{
			map[string]any{"title": "a", "url": "https://a"},
		},
	}

	out, err := PostProcess("search", result, true)
	require.NoError(t, err)

	hints, ok := out["_structureHints"].(*StructureHints)
	require.True(t, ok)
	assert.Contains(t, hints.ArrayPaths, "results")
	assert.Contains(t, hints.TerminalPaths, "results[0].title")
	assert.Contains(t, hints.ExampleSelectors, "results[0]")
}

func TestBuildStructureHintsScalarOnly(t *testing.T) {
	assert.Nil(t, BuildStructureHints("plain"))
	assert.Nil(t, BuildStructureHints(map[string]any{}))
}

func TestBuildStructureHintsDepthBound(t *testing.T) {
	deep := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": map[string]any{
						"e": map[string]any{"f": 1},
					},
				},
			},
		},
	}
	h := BuildStructureHints(deep)
	require.NotNil(t, h)
	assert.NotContains(t, h.TerminalPaths, "a.b.c.d.e.f")
}
