package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSafeTextBoundary(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want int
	}{
		{"plain text", "Hello world", 11},
		{"open tag without close", "Hello <artifact:ref id=", 6},
		{"partial tag prefix", "Hello <arti", 6},
		{"lone angle bracket", "a < b", 5},
		{"trailing angle bracket", "Hello <", 6},
		{"closed tag", `Hi <artifact:ref id="a" tool="t"/> there`, 40},
		{"closed then partial", `<artifact:ref id="a" tool="t"/> and <artifact:cr`, 36},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindSafeTextBoundary(tt.buf))
		})
	}
}

type stubHandler struct {
	tags []string
	data map[string]any
	ok   bool
}

func (h *stubHandler) HandleDirective(tag string) (map[string]any, bool) {
	h.tags = append(h.tags, tag)
	return h.data, h.ok
}

func TestParserWithholdsPartialTag(t *testing.T) {
	h := &stubHandler{data: map[string]any{"artifactId": "a1"}, ok: true}
	p := NewParser(h)

	parts := p.Write("Results below: <artifact:ref ")
	require.Len(t, parts, 1)
	assert.Equal(t, PartText, parts[0].Kind)
	assert.Equal(t, "Results below: ", parts[0].Text)

	parts = p.Write(`id="a1" tool="tc1"/> done`)
	require.Len(t, parts, 2)
	assert.Equal(t, PartData, parts[0].Kind)
	assert.Equal(t, "a1", parts[0].Data["artifactId"])
	assert.Equal(t, " done", parts[1].Text)
	assert.Equal(t, []string{`<artifact:ref id="a1" tool="tc1"/>`}, h.tags)
}

func TestParserOrdering(t *testing.T) {
	h := &stubHandler{data: map[string]any{"artifactId": "a"}, ok: true}
	p := NewParser(h)

	parts := p.Write(`before <artifact:create id="a" tool="t"/> after`)
	require.Len(t, parts, 3)
	assert.Equal(t, "before ", parts[0].Text)
	assert.Equal(t, PartData, parts[1].Kind)
	assert.Equal(t, " after", parts[2].Text)
}

func TestParserDropsRejectedDirective(t *testing.T) {
	h := &stubHandler{ok: false}
	p := NewParser(h)

	parts := p.Write(`a <artifact:ref id="x" tool="y"/> b`)
	require.Len(t, parts, 2)
	assert.Equal(t, "a ", parts[0].Text)
	assert.Equal(t, " b", parts[1].Text)
}

func TestParserFlushDropsUnterminatedTag(t *testing.T) {
	p := NewParser(&stubHandler{ok: true})
	parts := p.Write("text <artifact:create id=")
	require.Len(t, parts, 1)
	assert.Equal(t, "text ", parts[0].Text)

	parts = p.Flush()
	assert.Empty(t, parts)
}

func TestObjectAdapterEmitsStabilizedEntries(t *testing.T) {
	a := NewObjectAdapter()

	out := a.Write(`{"dataComponents": [{"name": "Answer", "props`)
	assert.Empty(t, out)

	out = a.Write(`": {"text": "hi"}}, {"name": "Ar`)
	require.Len(t, out, 1)
	assert.Equal(t, "Answer", out[0]["name"])

	out = a.Write(`tifactCreate_Chart", "props": {"id": "a1"}}]}`)
	require.Len(t, out, 1)
	assert.Equal(t, "ArtifactCreate_Chart", out[0]["name"])

	assert.Empty(t, a.Flush())
}

func TestObjectAdapterNestedBraces(t *testing.T) {
	a := NewObjectAdapter()
	out := a.Write(`{"dataComponents":[{"name":"X","props":{"s":"has } and ] inside","arr":[1,2]}}]}`)
	require.Len(t, out, 1)
	assert.Equal(t, "X", out[0]["name"])
}
