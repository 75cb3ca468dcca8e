package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestChanges_IsEmpty(t *testing.T) {
	assert.True(t, Changes{}.IsEmpty())
	assert.False(t, ContentChange("x").IsEmpty())
	assert.False(t, Changes{ParentID: strptr("")}.IsEmpty())
	assert.False(t, Changes{HasMentions: true}.IsEmpty())
}

func TestChanges_FieldNames(t *testing.T) {
	c := Changes{
		Content:    strptr("x"),
		ParentID:   strptr("p1"),
		Properties: map[string]any{"checked": true},
	}
	assert.ElementsMatch(t, []string{"content", "parentId", "properties"}, c.FieldNames())
}

func TestChanges_Merge_LaterFieldsWin(t *testing.T) {
	first := Changes{
		Content:    strptr("one"),
		Properties: map[string]any{"a": 1, "b": 2},
	}
	second := Changes{
		Content:    strptr("two"),
		NodeType:   strptr("ordered-list"),
		Properties: map[string]any{"b": 3},
	}

	merged := first.Merge(second)
	require.NotNil(t, merged.Content)
	assert.Equal(t, "two", *merged.Content)
	require.NotNil(t, merged.NodeType)
	assert.Equal(t, "ordered-list", *merged.NodeType)
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, merged.Properties)

	// Merge must not mutate its inputs.
	assert.Equal(t, "one", *first.Content)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, first.Properties)
}

func TestChanges_ApplyTo(t *testing.T) {
	n := &Node{
		ID:         "n1",
		NodeType:   "text",
		Content:    "old",
		ParentID:   "p1",
		Properties: map[string]any{"keep": 1, "drop": 2},
	}

	Changes{
		Content:    strptr("new"),
		ParentID:   strptr(""),
		Properties: map[string]any{"drop": nil, "added": 3},
	}.ApplyTo(n)

	assert.Equal(t, "new", n.Content)
	assert.Equal(t, "", n.ParentID)
	assert.Equal(t, map[string]any{"keep": 1, "added": 3}, n.Properties)
}

func TestChanges_ApplyTo_Mentions(t *testing.T) {
	n := &Node{ID: "n1", Mentions: []string{"a"}}

	Changes{}.ApplyTo(n)
	assert.Equal(t, []string{"a"}, n.Mentions)

	Changes{HasMentions: true, Mentions: []string{"b", "c"}}.ApplyTo(n)
	assert.Equal(t, []string{"b", "c"}, n.Mentions)

	Changes{HasMentions: true}.ApplyTo(n)
	assert.Empty(t, n.Mentions)
}

func TestChanges_FieldValueRoundTrip(t *testing.T) {
	c := Changes{Content: strptr("x"), ContainerNodeID: strptr("c1")}

	v, ok := c.FieldValue("content")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = c.FieldValue("parentId")
	assert.False(t, ok)

	var rebuilt Changes
	rebuilt.SetField("content", "x")
	rebuilt.SetField("containerNodeId", "c1")
	assert.Equal(t, c, rebuilt)
}

func TestUpdate_TouchesSameFields(t *testing.T) {
	now := time.Now()
	content := &Update{NodeID: "n1", Changes: ContentChange("a"), Timestamp: now}
	contentToo := &Update{NodeID: "n1", Changes: ContentChange("b"), Timestamp: now}
	structural := &Update{NodeID: "n1", Changes: StructuralChange(strptr("p1"), nil), Timestamp: now}

	assert.True(t, content.TouchesSameFields(contentToo))
	assert.False(t, content.TouchesSameFields(structural))
}
