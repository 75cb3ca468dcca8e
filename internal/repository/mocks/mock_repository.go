// Package mocks provides an in-memory NodeRepository. It doubles as the
// "memory" storage backend and as the test double: it enforces the same
// referential-integrity and version-check rules a real backend would, and it
// supports per-method fault injection.
package mocks

import (
	"context"
	"strings"
	"sync"

	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository"
)

// MockRepository is a thread-safe in-memory NodeRepository.
type MockRepository struct {
	mu sync.RWMutex

	nodes map[string]*node.Node

	// errors maps method name to an injected error returned on next call.
	errors map[string]error
	// sticky methods keep their injected error across calls.
	sticky map[string]bool

	// Calls records method invocations in order, for assertions on write
	// ordering (e.g. parent persisted strictly before child).
	Calls []Call
}

// Call records one repository invocation.
type Call struct {
	Method string
	NodeID string
}

var _ repository.NodeRepository = (*MockRepository)(nil)

// NewMockRepository creates an empty in-memory repository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		nodes:  make(map[string]*node.Node),
		errors: make(map[string]error),
		sticky: make(map[string]bool),
	}
}

// SetError injects an error for the named method. The error is returned on
// every subsequent call until cleared with SetError(method, nil).
func (m *MockRepository) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, method)
		delete(m.sticky, method)
		return
	}
	m.errors[method] = err
	m.sticky[method] = true
}

// SetErrorOnce injects an error consumed by the next call to the method.
func (m *MockRepository) SetErrorOnce(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
	m.sticky[method] = false
}

func (m *MockRepository) takeError(method string) error {
	err, ok := m.errors[method]
	if !ok {
		return nil
	}
	if !m.sticky[method] {
		delete(m.errors, method)
	}
	return err
}

func (m *MockRepository) record(method, nodeID string) {
	m.Calls = append(m.Calls, Call{Method: method, NodeID: nodeID})
}

// CallsFor returns the recorded call sequence filtered to the named
// methods; with no names it returns everything.
func (m *MockRepository) CallsFor(methods ...string) []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(methods))
	for _, name := range methods {
		want[name] = true
	}
	var out []Call
	for _, c := range m.Calls {
		if len(methods) == 0 || want[c.Method] {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether the repository holds a node with the id.
func (m *MockRepository) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[id]
	return ok
}

// checkRefs enforces referential integrity the way a relational backend
// would: every structural pointer must target an already stored node.
func (m *MockRepository) checkRefs(n *node.Node) error {
	for _, ref := range n.StructuralRefs() {
		if _, ok := m.nodes[ref]; !ok {
			return repository.ErrConstraint(n.ID, ref)
		}
	}
	return nil
}

// CreateNode stores a new node.
func (m *MockRepository) CreateNode(ctx context.Context, n *node.Node) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNode", n.ID)

	if err := m.takeError("CreateNode"); err != nil {
		return "", err
	}
	if err := m.checkRefs(n); err != nil {
		return "", err
	}
	m.nodes[n.ID] = n.Clone()
	return n.ID, nil
}

// UpdateNode applies a change set under an optimistic version check.
func (m *MockRepository) UpdateNode(ctx context.Context, id string, expectedVersion int, changes node.Changes) (*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateNode", id)

	if err := m.takeError("UpdateNode"); err != nil {
		return nil, err
	}
	stored, ok := m.nodes[id]
	if !ok {
		return nil, repository.ErrNodeNotFound(id)
	}
	if stored.Version != expectedVersion {
		return nil, repository.ErrVersionConflict(id, expectedVersion, stored.Version)
	}

	updated := stored.Clone()
	changes.ApplyTo(updated)
	updated.Version = stored.Version + 1
	if err := m.checkRefs(updated); err != nil {
		return nil, err
	}
	m.nodes[id] = updated
	return updated.Clone(), nil
}

// DeleteNode removes a node under an optimistic version check. Deleting an
// unknown id is a not-found error, matching the backend contract.
func (m *MockRepository) DeleteNode(ctx context.Context, id string, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteNode", id)

	if err := m.takeError("DeleteNode"); err != nil {
		return err
	}
	stored, ok := m.nodes[id]
	if !ok {
		return repository.ErrNodeNotFound(id)
	}
	if expectedVersion != 0 && stored.Version != expectedVersion {
		return repository.ErrVersionConflict(id, expectedVersion, stored.Version)
	}
	delete(m.nodes, id)
	return nil
}

// GetNode fetches one node.
func (m *MockRepository) GetNode(ctx context.Context, id string) (*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNode", id)

	if err := m.takeError("GetNode"); err != nil {
		return nil, err
	}
	stored, ok := m.nodes[id]
	if !ok {
		return nil, repository.ErrNodeNotFound(id)
	}
	return stored.Clone(), nil
}

// GetChildren returns the stored nodes with the given parent.
func (m *MockRepository) GetChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetChildren", parentID)

	if err := m.takeError("GetChildren"); err != nil {
		return nil, err
	}
	var out []*node.Node
	for _, n := range m.nodes {
		if n.ParentID == parentID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// GetNodesByContainer returns the stored nodes belonging to a container.
func (m *MockRepository) GetNodesByContainer(ctx context.Context, containerID string) ([]*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNodesByContainer", containerID)

	if err := m.takeError("GetNodesByContainer"); err != nil {
		return nil, err
	}
	var out []*node.Node
	for _, n := range m.nodes {
		if n.ContainerNodeID == containerID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// FindNodes runs the generic query surface against the stored set.
func (m *MockRepository) FindNodes(ctx context.Context, query repository.NodeQuery) ([]*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindNodes", query.ID)

	if err := m.takeError("FindNodes"); err != nil {
		return nil, err
	}
	var out []*node.Node
	for _, n := range m.nodes {
		if query.ID != "" && n.ID != query.ID {
			continue
		}
		if query.NodeType != "" && n.NodeType != query.NodeType {
			continue
		}
		if query.ContentSubstring != "" && !strings.Contains(n.Content, query.ContentSubstring) {
			continue
		}
		if query.Referenceable && n.ContainerNodeID != "" {
			// Only container-level nodes are mention targets.
			continue
		}
		out = append(out, n.Clone())
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}
