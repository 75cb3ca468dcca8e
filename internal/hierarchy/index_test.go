package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treedoc-backend/internal/domain/node"
)

func TestIndex_ReparentAndLookup(t *testing.T) {
	idx := NewIndex()

	idx.Reparent("child1", "parent")
	idx.Reparent("child2", "parent")

	assert.ElementsMatch(t, []string{"child1", "child2"}, idx.ChildrenOf("parent"))
	parent, ok := idx.ParentOf("child1")
	require.True(t, ok)
	assert.Equal(t, "parent", parent)

	idx.Reparent("child1", "other")
	assert.Equal(t, []string{"child2"}, idx.ChildrenOf("parent"))
	assert.Equal(t, []string{"child1"}, idx.ChildrenOf("other"))
}

func TestIndex_ReparentToRootDetaches(t *testing.T) {
	idx := NewIndex()
	idx.Reparent("child", "parent")

	idx.Reparent("child", "")
	assert.Empty(t, idx.ChildrenOf("parent"))
	_, ok := idx.ParentOf("child")
	assert.False(t, ok)
}

func TestIndex_Remove(t *testing.T) {
	idx := NewIndex()
	idx.Reparent("child", "parent")
	idx.Reparent("grandchild", "child")

	idx.Remove("child")
	assert.Empty(t, idx.ChildrenOf("parent"))
	assert.Empty(t, idx.ChildrenOf("child"))

	// The grandchild's reverse link survives until it is reparented or
	// removed itself.
	parent, ok := idx.ParentOf("grandchild")
	require.True(t, ok)
	assert.Equal(t, "child", parent)
}

func TestIndex_RebuildFromSnapshot(t *testing.T) {
	idx := NewIndex()
	idx.Reparent("stale", "gone")

	idx.RebuildFromSnapshot([]*node.Node{
		{ID: "root"},
		{ID: "a", ParentID: "root"},
		{ID: "b", ParentID: "root"},
		{ID: "c", ParentID: "a"},
	})

	assert.ElementsMatch(t, []string{"a", "b"}, idx.ChildrenOf("root"))
	assert.Equal(t, []string{"c"}, idx.ChildrenOf("a"))
	assert.Empty(t, idx.ChildrenOf("gone"))
	assert.Equal(t, 3, idx.Len())
}
