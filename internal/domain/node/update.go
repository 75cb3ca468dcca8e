package node

import (
	"time"
)

// SourceKind tags the provenance of an update.
type SourceKind string

const (
	SourceViewer    SourceKind = "viewer"
	SourceDatabase  SourceKind = "database"
	SourceMCPServer SourceKind = "mcp-server"
	SourceExternal  SourceKind = "external"
)

// Source identifies where an update came from. Updates tagged as coming from
// the database are already durable and are never re-persisted.
type Source struct {
	Kind SourceKind `json:"kind"`

	// ViewerID identifies the open document view for viewer updates.
	ViewerID string `json:"viewerId,omitempty"`
	// ClientInfo carries client metadata for mcp-server updates.
	ClientInfo string `json:"clientInfo,omitempty"`
	// Origin labels external sync sources.
	Origin string `json:"origin,omitempty"`
}

// ViewerSource tags an update as coming from an open document view.
func ViewerSource(viewerID string) Source {
	return Source{Kind: SourceViewer, ViewerID: viewerID}
}

// DatabaseSource tags an update as already durable.
func DatabaseSource() Source {
	return Source{Kind: SourceDatabase}
}

// MCPSource tags an update as coming from an MCP client.
func MCPSource(clientInfo string) Source {
	return Source{Kind: SourceMCPServer, ClientInfo: clientInfo}
}

// ExternalSource tags an update as coming from an external sync origin.
func ExternalSource(origin string) Source {
	return Source{Kind: SourceExternal, Origin: origin}
}

// Update records one requested mutation. It lives in the store's per-node
// pending list from the moment it is applied in memory until its durable
// write completes or is rolled back.
type Update struct {
	NodeID    string    `json:"nodeId"`
	Changes   Changes   `json:"changes"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`

	// Version is the version this update produces; PreviousVersion is the
	// version it was based on. A zero PreviousVersion means the caller made
	// no optimistic-concurrency claim.
	Version         int `json:"version"`
	PreviousVersion int `json:"previousVersion,omitempty"`
}

// TouchesSameFields reports whether two updates change at least one common
// field.
func (u *Update) TouchesSameFields(other *Update) bool {
	mine := u.Changes.FieldNames()
	theirs := make(map[string]struct{}, 8)
	for _, f := range other.Changes.FieldNames() {
		theirs[f] = struct{}{}
	}
	for _, f := range mine {
		if _, ok := theirs[f]; ok {
			return true
		}
	}
	return false
}

// ConflictType classifies a detected collision.
type ConflictType string

const (
	// ConflictVersionMismatch means the incoming update was based on a
	// version that is no longer current.
	ConflictVersionMismatch ConflictType = "version-mismatch"
	// ConflictConcurrentEdit means two updates touched the same fields
	// within the conflict window.
	ConflictConcurrentEdit ConflictType = "concurrent-edit"
)

// Conflict pairs a local pending update with the incoming remote update that
// collided with it. Conflicts are ephemeral: constructed, resolved, and
// discarded in the same call.
type Conflict struct {
	NodeID       string       `json:"nodeId"`
	LocalUpdate  *Update      `json:"localUpdate"`
	RemoteUpdate *Update      `json:"remoteUpdate"`
	Type         ConflictType `json:"conflictType"`
	DetectedAt   time.Time    `json:"detectedAt"`
}

// Resolution is the deterministic outcome of resolving a conflict.
type Resolution struct {
	// ResolvedChanges is applied to the store exactly like a normal update.
	ResolvedChanges Changes `json:"resolvedChanges"`
	// Discarded is the losing update, reported to subscribers.
	Discarded *Update `json:"discarded"`
	// Strategy names the resolver that produced the result. The
	// operational-transform and manual resolvers tag their LWW fallback
	// with their own name so callers can tell a richer resolution was
	// requested but not available.
	Strategy string `json:"strategy"`
}
