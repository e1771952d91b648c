package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Basic(t *testing.T) {
	r := New(map[string]any{"name": "world"})
	out, err := r.Render("hello {{.name}}")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRender_EmptyTemplateIsEmpty(t *testing.T) {
	r := New(nil)
	out, err := r.Render("")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestRender_Functions(t *testing.T) {
	r := New(map[string]any{"name": "World"})
	out, err := r.Render(`{{upper .name}}`)
	require.NoError(t, err)
	assert.Equal(t, "WORLD", out)
}

func TestChild_LayersWithoutMutatingParent(t *testing.T) {
	parent := New(map[string]any{"a": "1", "b": "2"})
	child := parent.Child(map[string]any{"b": "child", "c": "3"})

	out, err := child.Render("{{.a}}-{{.b}}-{{.c}}")
	require.NoError(t, err)
	assert.Equal(t, "1-child-3", out)

	// The parent still sees its own values and nothing from the child.
	out, err = parent.Render("{{.b}}")
	require.NoError(t, err)
	assert.Equal(t, "2", out)
	_, ok := parent.Lookup("c")
	assert.False(t, ok)
}

func TestChild_GrandchildResolution(t *testing.T) {
	root := New(map[string]any{"x": "root"})
	mid := root.Child(map[string]any{"y": "mid"})
	leaf := mid.Child(map[string]any{"z": "leaf"})

	for name, want := range map[string]string{"x": "root", "y": "mid", "z": "leaf"} {
		v, ok := leaf.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, want, v)
	}
}

func TestRenderList_DirectVariable(t *testing.T) {
	r := New(map[string]any{"items": []any{"a", "b"}})
	list, err := r.RenderList("{{.items}}")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, list)
}

func TestRenderList_StringSliceVariable(t *testing.T) {
	r := New(map[string]any{"items": []string{"x", "y"}})
	list, err := r.RenderList("{{.items}}")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, list)
}

func TestRenderList_CommaFallback(t *testing.T) {
	r := New(map[string]any{"csv": "a, b ,c"})
	list, err := r.RenderList("{{.csv}}")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, list)
}

func TestRender_ParseError(t *testing.T) {
	r := New(nil)
	_, err := r.Render("{{.unclosed")
	require.Error(t, err)
}
