// Package node defines the document graph's node model: the content-bearing
// vertex shared by every viewer, the structured change set applied to it, and
// the update/conflict records the store keeps while changes are in flight.
package node

import (
	"strings"
	"time"
)

// Node is a vertex in the document graph. Structural pointers (ParentID,
// BeforeSiblingID, ContainerNodeID) use the empty string for "absent".
type Node struct {
	ID              string         `json:"id"`
	NodeType        string         `json:"nodeType"`
	Content         string         `json:"content"`
	Properties      map[string]any `json:"properties,omitempty"`
	ParentID        string         `json:"parentId,omitempty"`
	BeforeSiblingID string         `json:"beforeSiblingId,omitempty"`
	ContainerNodeID string         `json:"containerNodeId,omitempty"`

	// Version increases by exactly one per applied update and drives
	// optimistic concurrency checks at write time.
	Version int `json:"version"`

	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	// Mentions is derived from content, never authoritative.
	Mentions []string `json:"mentions,omitempty"`
}

// Clone returns a deep copy. The store hands clones to subscribers and keeps
// one as the rollback snapshot while a durable write is in flight.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Mentions != nil {
		c.Mentions = append([]string(nil), n.Mentions...)
	}
	return &c
}

// IsPlaceholder reports whether the node carries only type-specific
// boilerplate content. typePrefixes maps a node type to the prefix its
// plugin seeds new nodes with (e.g. "ordered-list" -> "1. "). A placeholder
// has no obligation to exist in durable storage until it gains real content.
func (n *Node) IsPlaceholder(typePrefixes map[string]string) bool {
	trimmed := strings.TrimSpace(n.Content)
	if trimmed == "" {
		return true
	}
	prefix, ok := typePrefixes[n.NodeType]
	if !ok || prefix == "" {
		return false
	}
	return strings.TrimSpace(prefix) == trimmed || n.Content == prefix
}

// StructuralRefs returns the node ids this node references structurally, in
// the order parent, before-sibling, container, skipping empty pointers.
// The storage backend rejects a write whose refs are not yet durable, so
// these become persistence dependencies.
func (n *Node) StructuralRefs() []string {
	refs := make([]string, 0, 3)
	for _, id := range []string{n.ParentID, n.BeforeSiblingID, n.ContainerNodeID} {
		if id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}
