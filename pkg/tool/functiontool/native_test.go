package functiontool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeCommandVersionedNames(t *testing.T) {
	cases := []struct {
		runtime     string
		interpreter string
		ext         string
	}{
		{"", "node", ".js"},
		{"node", "node", ".js"},
		{"nodejs", "node", ".js"},
		{"node22", "node", ".js"},
		{"python", "python3", ".py"},
		{"python3", "python3", ".py"},
		{"python313", "python3", ".py"},
	}
	for _, tc := range cases {
		interpreter, ext, err := runtimeCommand(tc.runtime)
		require.NoError(t, err, tc.runtime)
		assert.Equal(t, tc.interpreter, interpreter, tc.runtime)
		assert.Equal(t, tc.ext, ext, tc.runtime)
	}

	_, _, err := runtimeCommand("ruby")
	require.Error(t, err)
}

func TestRuntimeImageVersionedNames(t *testing.T) {
	image, ok := runtimeImage("node22")
	require.True(t, ok)
	assert.Equal(t, "node:20-alpine", image)

	image, ok = runtimeImage("python313")
	require.True(t, ok)
	assert.Equal(t, "python:3.12-alpine", image)

	_, ok = runtimeImage("ruby")
	assert.False(t, ok)
}

func TestParseOutput(t *testing.T) {
	out, err := parseOutput([]byte(`{"answer": 42}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": float64(42)}, out)

	out, err = parseOutput([]byte("done\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": "done"}, out)

	out, err = parseOutput(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}
