package toolsession

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIsIdempotent(t *testing.T) {
	m := NewManager()
	a := m.Ensure("s1", "t1", "p1", "c1", "task1")
	b := m.Ensure("s1", "other", "other", "other", "other")
	assert.Same(t, a, b)
	assert.Equal(t, "t1", b.TenantID)
}

func TestRecordAndGetResult(t *testing.T) {
	m := NewManager()
	m.Ensure("s1", "t1", "p1", "c1", "task1")
	m.RecordResult("s1", "call-1", Result{ToolName: "search", Output: map[string]any{"hits": 3}})

	r, ok := m.GetResult("s1", "call-1")
	require.True(t, ok)
	assert.Equal(t, "search", r.ToolName)

	_, ok = m.GetResult("s1", "call-2")
	assert.False(t, ok)
}

func TestEndDiscardsResults(t *testing.T) {
	m := NewManager()
	m.Ensure("s1", "t1", "p1", "c1", "task1")
	m.RecordResult("s1", "call-1", Result{ToolName: "search"})
	m.End("s1")

	_, ok := m.GetResult("s1", "call-1")
	assert.False(t, ok)

	// Recording after end is a no-op rather than a resurrection.
	m.RecordResult("s1", "call-1", Result{ToolName: "search"})
	_, ok = m.Get("s1")
	assert.False(t, ok)
}

func TestSharedSessionSurvivesNestedEnd(t *testing.T) {
	m := NewManager()
	m.Ensure("stream-1", "t1", "p1", "c1", "task-parent")
	m.RecordResult("stream-1", "call-1", Result{ToolName: "search"})

	// A delegate turn joins the same session and ends first; the parent's
	// results stay visible until the parent ends too.
	m.Ensure("stream-1", "t1", "p1", "c1", "task-child")
	m.End("stream-1")

	_, ok := m.GetResult("stream-1", "call-1")
	require.True(t, ok)

	m.End("stream-1")
	_, ok = m.GetResult("stream-1", "call-1")
	assert.False(t, ok)
}

func TestConcurrentRecords(t *testing.T) {
	m := NewManager()
	m.Ensure("s1", "t1", "p1", "c1", "task1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordResult("s1", fmt.Sprintf("call-%d", i), Result{ToolName: "t"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		_, ok := m.GetResult("s1", fmt.Sprintf("call-%d", i))
		assert.True(t, ok)
	}
}
