// Package hierarchy maintains parent/child lookup maps for the document
// graph, decoupled from node content so structural reads stay O(1).
package hierarchy

import (
	"sync"

	"treedoc-backend/internal/domain/node"
)

// Index holds a forward parent→children map and a reverse child→parent map.
// Invariant: every non-empty entry in the reverse map has a matching
// membership in the forward map's child set, and vice versa.
type Index struct {
	mu       sync.RWMutex
	children map[string]map[string]struct{}
	parents  map[string]string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		children: make(map[string]map[string]struct{}),
		parents:  make(map[string]string),
	}
}

// ChildrenOf returns the ids of parentID's children. Order is unspecified;
// sibling order lives on the nodes' BeforeSiblingID pointers, not here.
func (i *Index) ChildrenOf(parentID string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set, ok := i.children[parentID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ParentOf returns nodeID's parent id and whether the node has one.
func (i *Index) ParentOf(nodeID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	parent, ok := i.parents[nodeID]
	return parent, ok
}

// Reparent atomically moves nodeID under newParentID. An empty newParentID
// detaches the node (root level).
func (i *Index) Reparent(nodeID, newParentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detachLocked(nodeID)
	if newParentID == "" {
		return
	}
	i.attachLocked(nodeID, newParentID)
}

// Remove detaches nodeID from its parent and drops its own children set.
// Callers are responsible for re-parenting real children before calling
// this.
func (i *Index) Remove(nodeID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detachLocked(nodeID)
	delete(i.children, nodeID)
}

// RebuildFromSnapshot replaces the whole index from a node snapshot, used on
// initial load.
func (i *Index) RebuildFromSnapshot(nodes []*node.Node) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.children = make(map[string]map[string]struct{}, len(nodes))
	i.parents = make(map[string]string, len(nodes))
	for _, n := range nodes {
		if n.ParentID == "" {
			continue
		}
		i.attachLocked(n.ID, n.ParentID)
	}
}

// Len returns the number of indexed child→parent links.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.parents)
}

func (i *Index) attachLocked(nodeID, parentID string) {
	set, ok := i.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		i.children[parentID] = set
	}
	set[nodeID] = struct{}{}
	i.parents[nodeID] = parentID
}

func (i *Index) detachLocked(nodeID string) {
	parent, ok := i.parents[nodeID]
	if !ok {
		return
	}
	delete(i.parents, nodeID)
	if set, ok := i.children[parent]; ok {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(i.children, parent)
		}
	}
}
