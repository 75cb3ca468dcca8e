// Package store holds the authoritative in-memory node map and the
// update/conflict/subscription pipeline around it. Mutations apply to memory
// immediately and synchronously; durability is delegated to the coordinator
// and is eventually consistent, with rollback when a write fails.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"treedoc-backend/internal/coordinator"
	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository"
	"treedoc-backend/pkg/errors"
	"treedoc-backend/pkg/observability"
)

// Change is what subscribers observe: a snapshot of the node after an
// applied update, create, rollback, or delete, with the source that caused
// it. Deleted marks removal notifications, where Node is the last state the
// node had.
type Change struct {
	Node    *node.Node
	Source  node.Source
	Deleted bool
}

// Subscriber receives every change to a node. Callbacks run synchronously
// in registration order; a panic in one callback is recovered and logged so
// the rest still run.
type Subscriber func(change Change)

// ConflictHandler is notified after a conflict is resolved.
type ConflictHandler func(nodeID string, conflictType node.ConflictType, strategy string, discarded *node.Update)

// RollbackHandler is notified after a failed durable write forced the
// in-memory state back to its pre-update value.
type RollbackHandler func(nodeID string, reason string, failed *node.Update)

// Options configures a Store.
type Options struct {
	// ConflictWindow is the time span within which overlapping updates
	// count as concurrent edits. Defaults to 5s.
	ConflictWindow time.Duration
	// BatchTimeout is the batch controller's inactivity auto-commit window.
	// Defaults to 2s.
	BatchTimeout time.Duration
	// DefaultStrategy names the conflict resolver used when an update does
	// not pick one. Defaults to last-write-wins.
	DefaultStrategy string
	// PlaceholderPrefixes maps node types to their boilerplate content.
	PlaceholderPrefixes map[string]string
}

// UpdateOptions is the immutable per-call policy struct; it is resolved once
// at the top of each mutation instead of being inferred from call order.
type UpdateOptions struct {
	// SkipConflictDetection bypasses conflict detection entirely.
	SkipConflictDetection bool
	// SkipPersistence keeps the change memory-only regardless of source.
	SkipPersistence bool
	// Mode overrides the persistence scheduling mode (default debounced).
	Mode coordinator.Mode
	// Strategy selects the conflict resolver for this call.
	Strategy string
	// BasedOnVersion is the version the caller derived its changes from;
	// zero means no optimistic-concurrency claim.
	BasedOnVersion int
	// Dependencies are extra persistence dependencies beyond the node's own
	// structural references.
	Dependencies []coordinator.Dependency
}

type subscription struct {
	id int
	fn Subscriber
}

// Store is the single source of truth for node state.
type Store struct {
	mu sync.Mutex

	nodes map[string]*node.Node
	// pending holds, per node, the updates whose durable writes have not
	// finished, in time order.
	pending map[string][]*node.Update
	// durableVersions tracks the version the backend holds per node,
	// feeding the optimistic expectedVersion of the next write.
	durableVersions map[string]int

	subs      map[string][]subscription
	wildcards []subscription
	nextSubID int

	conflictHandlers []ConflictHandler
	rollbackHandlers []RollbackHandler

	resolvers       map[string]Resolver
	defaultStrategy string

	batches map[string]*batch

	coord   *coordinator.Coordinator
	repo    repository.NodeRepository
	logger  *zap.Logger
	metrics observability.MetricsCollector

	opts Options
}

// New creates a Store writing through repo via coord.
func New(repo repository.NodeRepository, coord *coordinator.Coordinator, opts Options, logger *zap.Logger, metrics observability.MetricsCollector) *Store {
	if opts.ConflictWindow <= 0 {
		opts.ConflictWindow = 5 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Second
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyLastWriteWins
	}
	if metrics == nil {
		metrics = observability.NoopCollector{}
	}
	return &Store{
		nodes:           make(map[string]*node.Node),
		pending:         make(map[string][]*node.Update),
		durableVersions: make(map[string]int),
		subs:            make(map[string][]subscription),
		resolvers:       newResolverRegistry(),
		defaultStrategy: opts.DefaultStrategy,
		batches:         make(map[string]*batch),
		coord:           coord,
		repo:            repo,
		logger:          logger.Named("store"),
		metrics:         metrics,
		opts:            opts,
	}
}

// Get returns a snapshot of the node, or nil if unknown.
func (s *Store) Get(nodeID string) *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[nodeID].Clone()
}

// All returns a snapshot of every node, for index rebuilds and bulk reads.
func (s *Store) All() []*node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Len returns the number of nodes held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// PendingUpdates returns the in-flight updates for a node.
func (s *Store) PendingUpdates(nodeID string) []*node.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*node.Update(nil), s.pending[nodeID]...)
}

// Subscribe registers a callback for one node's changes and returns an
// unsubscribe function.
func (s *Store) Subscribe(nodeID string, fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[nodeID] = append(s.subs[nodeID], subscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[nodeID]
		for i, sub := range list {
			if sub.id == id {
				s.subs[nodeID] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a wildcard callback invoked for every node change
// and returns an unsubscribe function.
func (s *Store) SubscribeAll(fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.wildcards = append(s.wildcards, subscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.wildcards {
			if sub.id == id {
				s.wildcards = append(s.wildcards[:i], s.wildcards[i+1:]...)
				return
			}
		}
	}
}

// OnConflictResolved registers a conflict-resolved notification handler.
func (s *Store) OnConflictResolved(fn ConflictHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictHandlers = append(s.conflictHandlers, fn)
}

// OnRollback registers a rollback notification handler.
func (s *Store) OnRollback(fn RollbackHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackHandlers = append(s.rollbackHandlers, fn)
}

// notifyLocked dispatches to node-specific then wildcard subscribers, in
// registration order, recovering panics so one bad callback cannot starve
// the rest.
func (s *Store) notifyLocked(change Change) {
	run := func(sub subscription) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("subscriber panicked",
					zap.String("node_id", change.Node.ID),
					zap.Any("panic", r))
			}
		}()
		sub.fn(change)
	}
	for _, sub := range s.subs[change.Node.ID] {
		run(sub)
	}
	for _, sub := range s.wildcards {
		run(sub)
	}
}

// Update applies a partial change set to a known node. Unknown node ids are
// logged and ignored. The in-memory state reflects the change immediately
// and atomically with respect to other synchronous callers; durability is
// asynchronous and may fail independently, in which case the change is
// rolled back.
func (s *Store) Update(nodeID string, changes node.Changes, source node.Source, opts UpdateOptions) *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[nodeID]
	if !ok {
		s.logger.Warn("update requested for unknown node", zap.String("node_id", nodeID))
		return nil
	}

	incoming := &node.Update{
		NodeID:          nodeID,
		Changes:         changes,
		Source:          source,
		Timestamp:       time.Now(),
		Version:         current.Version + 1,
		PreviousVersion: opts.BasedOnVersion,
	}

	if !opts.SkipConflictDetection {
		if conflict := detectConflict(incoming, s.pending[nodeID], current, s.opts.ConflictWindow); conflict != nil {
			return s.resolveConflictLocked(conflict, opts)
		}
	}

	return s.applyLocked(incoming, opts)
}

// applyLocked applies an update to the in-memory node, notifies subscribers,
// and delegates durability.
func (s *Store) applyLocked(upd *node.Update, opts UpdateOptions) *node.Node {
	current := s.nodes[upd.NodeID]
	prev := current.Clone()

	upd.Changes.ApplyTo(current)
	current.Version = prev.Version + 1
	current.ModifiedAt = upd.Timestamp
	upd.Version = current.Version

	s.pending[upd.NodeID] = append(s.pending[upd.NodeID], upd)
	s.metrics.UpdateApplied(string(upd.Source.Kind))
	s.notifyLocked(Change{Node: current.Clone(), Source: upd.Source})

	if !s.shouldPersistLocked(current, upd.Source, opts.SkipPersistence) {
		s.dropPendingLocked(upd)
		return current.Clone()
	}

	handle := s.persistLocked(current, opts.Mode, opts.Dependencies)
	go s.watchUpdateOutcome(handle, upd, prev)
	return current.Clone()
}

// resolveConflictLocked resolves a detected conflict via the selected
// strategy and applies the resolution exactly like a normal update.
func (s *Store) resolveConflictLocked(conflict *node.Conflict, opts UpdateOptions) *node.Node {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.defaultStrategy
	}
	resolver, ok := s.resolvers[strategy]
	if !ok {
		s.logger.Warn("unknown conflict strategy, using default",
			zap.String("strategy", strategy))
		resolver = s.resolvers[s.defaultStrategy]
		strategy = s.defaultStrategy
	}

	resolution := resolver.Resolve(conflict)
	s.logger.Info("conflict resolved",
		zap.String("node_id", conflict.NodeID),
		zap.String("conflict_type", string(conflict.Type)),
		zap.String("strategy", resolution.Strategy))
	s.metrics.ConflictResolved(string(conflict.Type), resolution.Strategy)

	// The losing update's durable write is superseded by the resolution's.
	if resolution.Discarded != nil {
		s.dropPendingLocked(resolution.Discarded)
	}

	resolved := &node.Update{
		NodeID:    conflict.NodeID,
		Changes:   resolution.ResolvedChanges,
		Source:    conflict.RemoteUpdate.Source,
		Timestamp: time.Now(),
	}
	applied := s.applyLocked(resolved, opts)

	for _, fn := range s.conflictHandlers {
		fn(conflict.NodeID, conflict.Type, resolution.Strategy, resolution.Discarded)
	}
	return applied
}

// Set creates or replaces a node wholesale, the path for bulk loads and
// new-node creation. New nodes start at version 1 unless the caller set one.
// Unlike Update, a creation failure is not rolled back; it surfaces through
// the returned handle for the caller to react to. The handle is nil when no
// persistence was scheduled.
func (s *Store) Set(n *node.Node, source node.Source, opts UpdateOptions) (*node.Node, *coordinator.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := n.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = now
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.nodes[stored.ID] = stored

	if source.Kind == node.SourceDatabase {
		// Loaded from storage: already durable.
		s.coord.MarkPersisted(stored.ID)
		s.durableVersions[stored.ID] = stored.Version
	}

	s.metrics.UpdateApplied(string(source.Kind))
	s.notifyLocked(Change{Node: stored.Clone(), Source: source})

	var handle *coordinator.Handle
	if s.shouldPersistLocked(stored, source, opts.SkipPersistence) {
		handle = s.persistLocked(stored, opts.Mode, opts.Dependencies)
	}
	return stored.Clone(), handle
}

// Delete removes a node from memory, cancels its live batch, notifies
// subscribers, and schedules a durable delete gated on any supplied
// dependencies that are still pending.
func (s *Store) Delete(nodeID string, source node.Source, opts UpdateOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		s.logger.Warn("delete requested for unknown node", zap.String("node_id", nodeID))
		return
	}

	if b, ok := s.batches[nodeID]; ok {
		s.cancelBatchLocked(b)
	}

	delete(s.nodes, nodeID)
	delete(s.pending, nodeID)
	s.notifyLocked(Change{Node: n.Clone(), Source: source, Deleted: true})

	if opts.SkipPersistence || source.Kind == node.SourceDatabase {
		s.coord.Cancel(nodeID, "node deleted without persistence")
		return
	}

	if !s.coord.IsPersisted(nodeID) {
		// Never written: cancelling any in-flight create is all the
		// durability work there is.
		s.coord.Cancel(nodeID, "node deleted before first durable write")
		return
	}

	expectedVersion := s.durableVersions[nodeID]
	action := func(ctx context.Context) error {
		if err := s.repo.DeleteNode(ctx, nodeID, expectedVersion); err != nil {
			if repository.IsNotFound(err) {
				return nil
			}
			return err
		}
		return nil
	}
	handle := s.coord.Persist(nodeID, action, coordinator.PersistOptions{
		Mode:         coordinator.ModeImmediate,
		Dependencies: opts.Dependencies,
	})
	go func() {
		if err := handle.Wait(context.Background()); err == nil {
			s.coord.ForgetPersisted(nodeID)
			s.mu.Lock()
			delete(s.durableVersions, nodeID)
			s.mu.Unlock()
		} else if !errors.IsCancelled(err) {
			s.logger.Warn("durable delete failed",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}()
}

// shouldPersistLocked is the one decision table for persist-or-skip:
// explicit skip beats everything, database-sourced changes are already
// durable, and placeholders stay memory-only until first persisted — but a
// node that has been durable once stays durable even if its content shrinks
// back to placeholder form.
func (s *Store) shouldPersistLocked(n *node.Node, source node.Source, explicitSkip bool) bool {
	if explicitSkip {
		return false
	}
	if source.Kind == node.SourceDatabase {
		return false
	}
	if n.IsPlaceholder(s.opts.PlaceholderPrefixes) && !s.coord.IsPersisted(n.ID) {
		return false
	}
	return true
}

// persistLocked schedules a durable write of the node's current state, with
// structural dependencies resolved first. Create-vs-update is decided at
// write time from the durable-state table, so a node created and then
// edited before its first write still lands as a single create.
func (s *Store) persistLocked(n *node.Node, mode coordinator.Mode, extraDeps []coordinator.Dependency) *coordinator.Handle {
	snapshot := n.Clone()
	deps := append([]coordinator.Dependency(nil), extraDeps...)
	deps = append(deps, s.structuralDepsLocked(snapshot)...)

	action := s.makeWriteAction(snapshot)
	return s.coord.Persist(snapshot.ID, action, coordinator.PersistOptions{
		Mode:         mode,
		Dependencies: deps,
	})
}

// structuralDepsLocked turns the node's structural references into
// persistence dependencies. References that are in memory but have never
// been durably written are force-persisted first, recursively walking up
// the ancestor chain, so the backend's referential constraints hold.
func (s *Store) structuralDepsLocked(n *node.Node) []coordinator.Dependency {
	var deps []coordinator.Dependency
	for _, ref := range n.StructuralRefs() {
		if ref == n.ID {
			continue
		}
		if s.coord.HasPendingOperation(ref) {
			deps = append(deps, coordinator.OnNode(ref))
			continue
		}
		if s.coord.IsPersisted(ref) {
			continue
		}
		target, inMemory := s.nodes[ref]
		if !inMemory {
			// Unknown reference: let the backend's constraint check be
			// the arbiter.
			continue
		}
		s.logger.Debug("force-persisting structural dependency",
			zap.String("node_id", n.ID),
			zap.String("dependency", ref))
		s.persistLocked(target, coordinator.ModeImmediate, nil)
		deps = append(deps, coordinator.OnNode(ref))
	}
	return deps
}

// makeWriteAction builds the durable write for a node snapshot. The
// create-vs-update split and the expected backend version are read at
// execution time, after all dependencies have settled. The backend keeps its
// own version counter, advancing once per write, so when coalescing collapses
// several applies into one write the backend version falls behind the memory
// version; the durable-version table must track what the backend actually
// stored, never the memory version, or every later write carries a stale
// expected version.
func (s *Store) makeWriteAction(snapshot *node.Node) coordinator.WriteAction {
	return func(ctx context.Context) error {
		if !s.coord.IsPersisted(snapshot.ID) {
			if _, err := s.repo.CreateNode(ctx, snapshot); err != nil {
				return err
			}
			// Creates store the snapshot as given, version included.
			s.setDurableVersion(snapshot.ID, snapshot.Version)
			return nil
		}

		s.mu.Lock()
		expectedVersion := s.durableVersions[snapshot.ID]
		s.mu.Unlock()

		updated, err := s.repo.UpdateNode(ctx, snapshot.ID, expectedVersion, fullChanges(snapshot))
		if err != nil {
			return err
		}
		s.setDurableVersion(snapshot.ID, updated.Version)
		return nil
	}
}

func (s *Store) setDurableVersion(nodeID string, version int) {
	s.mu.Lock()
	s.durableVersions[nodeID] = version
	s.mu.Unlock()
}

// fullChanges converts a snapshot into a complete change set so a single
// debounced write carries every coalesced edit.
func fullChanges(n *node.Node) node.Changes {
	content := n.Content
	nodeType := n.NodeType
	parent := n.ParentID
	sibling := n.BeforeSiblingID
	container := n.ContainerNodeID
	return node.Changes{
		Content:         &content,
		NodeType:        &nodeType,
		ParentID:        &parent,
		BeforeSiblingID: &sibling,
		ContainerNodeID: &container,
		Properties:      n.Properties,
		Mentions:        n.Mentions,
		HasMentions:     true,
	}
}

// watchUpdateOutcome settles a pending update when its durable write
// finishes: success and cancellation both discard the pending record (a
// cancelled write is carried by its superseding operation), while a real
// durability failure rolls the optimistic change back.
func (s *Store) watchUpdateOutcome(handle *coordinator.Handle, upd *node.Update, prev *node.Node) {
	err := handle.Wait(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropPendingLocked(upd)

	if err == nil || errors.IsCancelled(err) {
		return
	}

	current, ok := s.nodes[upd.NodeID]
	if !ok {
		// Deleted while the write was in flight; nothing to restore.
		return
	}
	if current.Version != upd.Version {
		// Later applies supersede this state; rolling back would clobber
		// them. The newer pending updates carry their own outcome watch.
		s.logger.Warn("skipping rollback, node advanced past failed update",
			zap.String("node_id", upd.NodeID),
			zap.Int("failed_version", upd.Version),
			zap.Int("current_version", current.Version))
		return
	}

	s.nodes[upd.NodeID] = prev.Clone()
	s.metrics.RollbackPerformed()
	s.logger.Warn("durable write failed, rolled back optimistic update",
		zap.String("node_id", upd.NodeID),
		zap.Int("restored_version", prev.Version),
		zap.Error(err))

	s.notifyLocked(Change{Node: prev.Clone(), Source: node.DatabaseSource()})
	for _, fn := range s.rollbackHandlers {
		fn(upd.NodeID, err.Error(), upd)
	}
}

func (s *Store) dropPendingLocked(upd *node.Update) {
	list := s.pending[upd.NodeID]
	for i, p := range list {
		if p == upd {
			s.pending[upd.NodeID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.pending[upd.NodeID]) == 0 {
		delete(s.pending, upd.NodeID)
	}
}

// SetTuning changes the conflict window and the batch auto-commit timeout
// for subsequent operations. Non-positive values leave the current setting
// untouched; live batches keep the timeout they started with.
func (s *Store) SetTuning(conflictWindow, batchTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conflictWindow > 0 {
		s.opts.ConflictWindow = conflictWindow
	}
	if batchTimeout > 0 {
		s.opts.BatchTimeout = batchTimeout
	}
}

// WaitForPersistence flushes and awaits the nodes' live operations, used as
// a synchronization barrier before destructive follow-ups. It returns the
// ids that did not persist in time.
func (s *Store) WaitForPersistence(ctx context.Context, nodeIDs []string, timeout time.Duration) []string {
	return s.coord.WaitForPersistence(ctx, nodeIDs, timeout)
}
