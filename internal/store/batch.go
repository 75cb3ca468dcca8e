package store

import (
	"time"

	"go.uber.org/zap"

	"treedoc-backend/internal/coordinator"
	"treedoc-backend/internal/domain/node"
)

// batch accumulates field changes for one node so logically-related edits
// (most commonly content plus a type retag on a pattern-triggered
// conversion) land in storage as a single write instead of racing.
type batch struct {
	nodeID  string
	changes node.Changes
	source  node.Source
	timeout time.Duration
	timer   *time.Timer
	started time.Time
}

// StartBatch opens a batch for the node, cancelling any prior batch and any
// in-flight non-batched write for the same node. timeout is the inactivity
// window before auto-commit; zero uses the configured default.
func (s *Store) StartBatch(nodeID string, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startBatchLocked(nodeID, timeout)
}

func (s *Store) startBatchLocked(nodeID string, timeout time.Duration) *batch {
	if _, ok := s.nodes[nodeID]; !ok {
		s.logger.Warn("batch requested for unknown node", zap.String("node_id", nodeID))
		return nil
	}
	if timeout <= 0 {
		timeout = s.opts.BatchTimeout
	}
	if prior, ok := s.batches[nodeID]; ok {
		s.cancelBatchLocked(prior)
	}
	s.coord.Cancel(nodeID, "superseded by batch")

	b := &batch{
		nodeID:  nodeID,
		timeout: timeout,
		started: time.Now(),
	}
	b.timer = time.AfterFunc(timeout, func() {
		s.autoCommit(b)
	})
	s.batches[nodeID] = b
	return b
}

// AddToBatch merges changes into the node's batch (opening one implicitly
// if needed), applies them to the in-memory node immediately, and resets
// the inactivity timer. Later writes to the same field override earlier
// ones.
func (s *Store) AddToBatch(nodeID string, changes node.Changes, source node.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[nodeID]
	if !ok {
		s.logger.Warn("batch add for unknown node", zap.String("node_id", nodeID))
		return
	}

	b, ok := s.batches[nodeID]
	if !ok {
		b = s.startBatchLocked(nodeID, 0)
		if b == nil {
			return
		}
	}

	b.changes = b.changes.Merge(changes)
	b.source = source
	b.timer.Reset(b.timeout)

	// Optimistic in-memory apply; durability waits for the commit.
	changes.ApplyTo(current)
	current.Version++
	current.ModifiedAt = time.Now()
	s.metrics.UpdateApplied(string(source.Kind))
	s.notifyLocked(Change{Node: current.Clone(), Source: source})
}

// CommitBatch flushes the batch as one durable write. The persist-or-skip
// decision follows the same placeholder rule as normal updates, so a
// previously-saved node that shrank back to placeholder form is still
// written. Returns the operation handle, or nil when nothing was persisted.
func (s *Store) CommitBatch(nodeID string) *coordinator.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[nodeID]
	if !ok {
		return nil
	}
	return s.commitBatchLocked(b)
}

func (s *Store) commitBatchLocked(b *batch) *coordinator.Handle {
	b.timer.Stop()
	delete(s.batches, b.nodeID)

	current, ok := s.nodes[b.nodeID]
	if !ok {
		return nil
	}
	if b.changes.IsEmpty() {
		return nil
	}
	if !s.shouldPersistLocked(current, b.source, false) {
		s.logger.Debug("batch commit skipped persistence",
			zap.String("node_id", b.nodeID))
		return nil
	}

	s.metrics.BatchCommitted()
	s.logger.Debug("batch committed",
		zap.String("node_id", b.nodeID),
		zap.Strings("fields", b.changes.FieldNames()))
	return s.persistLocked(current, coordinator.ModeImmediate, nil)
}

// CancelBatch discards the batch without persisting. The optimistic
// in-memory state is untouched; only the durability attempt is dropped.
func (s *Store) CancelBatch(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[nodeID]; ok {
		s.cancelBatchLocked(b)
	}
}

func (s *Store) cancelBatchLocked(b *batch) {
	b.timer.Stop()
	delete(s.batches, b.nodeID)
	s.logger.Debug("batch cancelled", zap.String("node_id", b.nodeID))
}

// HasBatch reports whether the node has an open batch.
func (s *Store) HasBatch(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.batches[nodeID]
	return ok
}

// autoCommit fires when the inactivity window elapses.
func (s *Store) autoCommit(b *batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tracked, ok := s.batches[b.nodeID]; !ok || tracked != b {
		return
	}
	s.commitBatchLocked(b)
}
