// Package repository defines the abstract storage backend the sync core
// writes through. The backend enforces referential constraints: a node
// referencing a parent, before-sibling, or container must find that target
// already durable, or the write fails. It also enforces optimistic
// concurrency via per-node version checks.
package repository

import (
	"context"

	"treedoc-backend/internal/domain/node"
)

// NodeRepository is the durable store for document nodes.
type NodeRepository interface {
	// CreateNode stores a new node and returns its id. Fails if a
	// structural reference is not yet durable.
	CreateNode(ctx context.Context, n *node.Node) (string, error)

	// UpdateNode applies a partial change set to an existing node. It fails
	// with a not-found or version-conflict error when expectedVersion does
	// not match the stored version, and returns the stored node after the
	// update.
	UpdateNode(ctx context.Context, id string, expectedVersion int, changes node.Changes) (*node.Node, error)

	// DeleteNode removes a node, checking the stored version first.
	DeleteNode(ctx context.Context, id string, expectedVersion int) error

	// GetNode fetches a single node by id.
	GetNode(ctx context.Context, id string) (*node.Node, error)

	// GetChildren returns the nodes whose ParentID equals parentID.
	GetChildren(ctx context.Context, parentID string) ([]*node.Node, error)

	// GetNodesByContainer returns the nodes belonging to a top-level
	// document.
	GetNodesByContainer(ctx context.Context, containerID string) ([]*node.Node, error)

	// FindNodes runs a generic query.
	FindNodes(ctx context.Context, query NodeQuery) ([]*node.Node, error)
}

// NodeQuery expresses the backend's generic query surface. Zero-valued
// fields are unconstrained.
type NodeQuery struct {
	// ID matches a single node by id.
	ID string
	// ContentSubstring matches nodes whose content contains the substring.
	ContentSubstring string
	// NodeType matches nodes of one behavioral type.
	NodeType string
	// Referenceable restricts results to nodes that may be the target of a
	// mention (container-level and titled nodes).
	Referenceable bool
	// Limit caps the result set; zero means no cap.
	Limit int
}

// IsEmpty reports whether the query has no constraints at all.
func (q NodeQuery) IsEmpty() bool {
	return q.ID == "" && q.ContentSubstring == "" && q.NodeType == "" && !q.Referenceable
}
