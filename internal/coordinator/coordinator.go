// Package coordinator schedules durable writes against the storage backend.
// It turns "persist this node" requests into ordered, cancellable,
// observable asynchronous operations: one live operation per node id,
// dependency blocking to satisfy the backend's referential constraints, and
// debounced or immediate execution.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"treedoc-backend/pkg/errors"
	"treedoc-backend/pkg/observability"
)

// Options configures a Coordinator.
type Options struct {
	// DebounceInterval is the quiet period for ModeDebounced operations.
	DebounceInterval time.Duration
	// WaitGracePeriod is the extra wait after a WaitForPersistence timeout
	// before the unfinished subset is reported.
	WaitGracePeriod time.Duration
	// StatusRetention is how long terminal statuses stay queryable before
	// being swept.
	StatusRetention time.Duration
}

// Coordinator tracks persistence operations. All tracking tables are mutated
// only under c.mu; the write actions themselves run on their own goroutines.
type Coordinator struct {
	mu sync.Mutex

	// ops holds the single live operation per node id.
	ops map[string]*Operation
	// waiting queues blocked operations keyed by each unresolved node-id
	// dependency.
	waiting map[string][]*Operation
	// persisted records which nodes have ever been durably written.
	persisted map[string]struct{}
	// recent keeps terminal statuses briefly for visibility, then sweeps.
	recent map[string]Status

	opts    Options
	logger  *zap.Logger
	metrics observability.MetricsCollector
	closed  bool
}

// New creates a Coordinator. Zero option fields get the defaults: 500ms
// debounce, 100ms wait grace, 30s status retention.
func New(opts Options, logger *zap.Logger, metrics observability.MetricsCollector) *Coordinator {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 500 * time.Millisecond
	}
	if opts.WaitGracePeriod <= 0 {
		opts.WaitGracePeriod = 100 * time.Millisecond
	}
	if opts.StatusRetention <= 0 {
		opts.StatusRetention = 30 * time.Second
	}
	if metrics == nil {
		metrics = observability.NoopCollector{}
	}
	return &Coordinator{
		ops:       make(map[string]*Operation),
		waiting:   make(map[string][]*Operation),
		persisted: make(map[string]struct{}),
		recent:    make(map[string]Status),
		opts:      opts,
		logger:    logger.Named("coordinator"),
		metrics:   metrics,
	}
}

// PersistOptions parameterizes one Persist call.
type PersistOptions struct {
	Mode         Mode
	Dependencies []Dependency
}

// Persist registers a durable write for nodeID. Any existing operation for
// the same node is cancelled first: only the newest request for a node runs.
// The returned handle reports completion; a superseded handle rejects with a
// cancellation error, which callers must treat as control flow, not failure.
func (c *Coordinator) Persist(nodeID string, action WriteAction, opts PersistOptions) *Handle {
	if opts.Mode == "" {
		opts.Mode = ModeDebounced
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		h := newHandle(nodeID, "")
		h.finish(errors.NewCancelled("coordinator is shut down"))
		return h
	}

	if prev, ok := c.ops[nodeID]; ok {
		c.cancelLocked(prev, "superseded by newer request")
	}

	op := &Operation{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Mode:      opts.Mode,
		action:    action,
		deps:      opts.Dependencies,
		status:    StatusPending,
		blocking:  make(map[string]struct{}),
		handle:    newHandle(nodeID, ""),
		createdAt: time.Now(),
	}
	op.handle.opID = op.ID
	c.ops[nodeID] = op
	delete(c.recent, nodeID)

	// A node-id dependency blocks only while the named node has a live
	// operation; an untracked dependency counts as already satisfied.
	for _, dep := range op.deps {
		for _, depID := range dep.NodeIDs() {
			if depID == nodeID {
				continue
			}
			if _, live := c.ops[depID]; live {
				op.blocking[depID] = struct{}{}
				c.waiting[depID] = append(c.waiting[depID], op)
			}
		}
	}

	if len(op.blocking) > 0 {
		op.status = StatusBlocked
		c.logger.Debug("operation blocked on dependencies",
			zap.String("node_id", nodeID),
			zap.Strings("blocking", op.BlockingDeps()))
	} else {
		c.scheduleLocked(op)
	}

	c.metrics.TrackedOperations(len(c.ops))
	return op.handle
}

// scheduleLocked arms the operation's timer per its mode. Immediate mode
// still defers to the next tick so the synchronous caller never blocks on
// storage I/O.
func (c *Coordinator) scheduleLocked(op *Operation) {
	op.status = StatusPending
	delay := time.Duration(0)
	if op.Mode == ModeDebounced {
		delay = c.opts.DebounceInterval
	}
	op.timer = time.AfterFunc(delay, func() {
		c.execute(op)
	})
}

// execute runs the write action after resolving inline dependencies.
func (c *Coordinator) execute(op *Operation) {
	c.mu.Lock()
	if op.cancelled || op.status.Terminal() {
		c.mu.Unlock()
		return
	}
	op.status = StatusInProgress
	deps := op.deps
	c.mu.Unlock()

	ctx := context.Background()
	for _, dep := range deps {
		var err error
		switch dep.kind {
		case depCheck:
			err = dep.check(ctx)
		case depHandle:
			err = dep.handle.Wait(ctx)
		}
		if err != nil {
			c.finishOp(op, errors.NewPersistence("dependency failed", err))
			return
		}
	}

	err := op.action(ctx)
	if err != nil {
		c.finishOp(op, errors.NewPersistence("durable write failed", err))
		return
	}
	c.finishOp(op, nil)
}

// finishOp records an operation's terminal state, resolves its handle, and
// cascades unblocking through the waiting queue.
func (c *Coordinator) finishOp(op *Operation, opErr error) {
	c.mu.Lock()

	if op.cancelled || op.status.Terminal() {
		// A superseding request already rejected the handle; the late
		// result must not touch the tracking tables.
		c.mu.Unlock()
		return
	}

	if opErr == nil {
		op.status = StatusCompleted
		c.persisted[op.NodeID] = struct{}{}
	} else {
		op.status = StatusFailed
	}
	c.retireLocked(op)

	// Unblock waiters regardless of outcome: a dependent write on a failed
	// parent runs and gets the backend's own constraint verdict instead of
	// waiting forever.
	c.unblockLocked(op.NodeID)
	c.metrics.TrackedOperations(len(c.ops))
	c.metrics.OperationFinished(string(op.status))
	c.mu.Unlock()

	if opErr != nil {
		c.logger.Warn("persistence operation failed",
			zap.String("node_id", op.NodeID),
			zap.String("operation_id", op.ID),
			zap.Error(opErr))
	} else {
		c.logger.Debug("persistence operation completed",
			zap.String("node_id", op.NodeID),
			zap.String("operation_id", op.ID))
	}
	op.handle.finish(opErr)
}

// cancelLocked fails an operation with the cancellation error. Pending and
// blocked operations are stopped outright; an in-progress action cannot be
// interrupted, so it is flagged and its late result is discarded.
func (c *Coordinator) cancelLocked(op *Operation, reason string) {
	if op.status.Terminal() {
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.cancelled = true
	prior := op.status
	op.status = StatusCancelled
	c.retireLocked(op)
	c.removeFromWaitingLocked(op)
	c.metrics.OperationFinished(string(StatusCancelled))

	c.logger.Debug("persistence operation cancelled",
		zap.String("node_id", op.NodeID),
		zap.String("operation_id", op.ID),
		zap.String("prior_status", string(prior)),
		zap.String("reason", reason))
	op.handle.finish(errors.NewCancelled(reason))
}

// Cancel cancels the live operation for nodeID, if any. In-memory state is
// untouched; only the durability attempt is aborted.
func (c *Coordinator) Cancel(nodeID string, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[nodeID]
	if !ok {
		return false
	}
	c.cancelLocked(op, reason)
	// No superseding operation is coming, so waiters must not be left
	// blocked on a node id that is no longer tracked.
	c.unblockLocked(nodeID)
	c.metrics.TrackedOperations(len(c.ops))
	return true
}

// retireLocked drops the operation from live tracking and keeps its
// terminal status visible until the retention sweep.
func (c *Coordinator) retireLocked(op *Operation) {
	if current, ok := c.ops[op.NodeID]; ok && current == op {
		delete(c.ops, op.NodeID)
	}
	nodeID, status := op.NodeID, op.status
	c.recent[nodeID] = status
	time.AfterFunc(c.opts.StatusRetention, func() {
		c.mu.Lock()
		if c.recent[nodeID] == status {
			if _, live := c.ops[nodeID]; !live {
				delete(c.recent, nodeID)
			}
		}
		c.mu.Unlock()
	})
}

func (c *Coordinator) removeFromWaitingLocked(op *Operation) {
	for depID := range op.blocking {
		queue := c.waiting[depID]
		for idx, waiter := range queue {
			if waiter == op {
				c.waiting[depID] = append(queue[:idx], queue[idx+1:]...)
				break
			}
		}
		if len(c.waiting[depID]) == 0 {
			delete(c.waiting, depID)
		}
	}
}

// unblockLocked releases every waiter whose blocking set drops to empty once
// nodeID's operation finished. Cascading happens naturally: released
// operations unblock their own waiters when they finish.
func (c *Coordinator) unblockLocked(nodeID string) {
	queue := c.waiting[nodeID]
	delete(c.waiting, nodeID)
	for _, waiter := range queue {
		delete(waiter.blocking, nodeID)
		if len(waiter.blocking) == 0 && waiter.status == StatusBlocked {
			c.scheduleLocked(waiter)
		}
	}
}

// SetDebounceInterval changes the quiet period for operations scheduled from
// now on. Already-armed timers keep their original delay. Non-positive values
// are ignored.
func (c *Coordinator) SetDebounceInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.opts.DebounceInterval = d
	c.mu.Unlock()
}

// IsPersisted reports whether the node has ever been durably written.
func (c *Coordinator) IsPersisted(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.persisted[nodeID]
	return ok
}

// MarkPersisted records a node as durable without an operation, used for
// nodes loaded from the database.
func (c *Coordinator) MarkPersisted(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persisted[nodeID] = struct{}{}
}

// ForgetPersisted clears a node's durable mark after a durable delete.
func (c *Coordinator) ForgetPersisted(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.persisted, nodeID)
}

// HasPendingOperation reports whether nodeID has a live operation.
func (c *Coordinator) HasPendingOperation(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ops[nodeID]
	return ok
}

// OperationStatus returns the node's live status, or the retained terminal
// status, and whether anything is known about it.
func (c *Coordinator) OperationStatus(nodeID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.ops[nodeID]; ok {
		return op.status, true
	}
	status, ok := c.recent[nodeID]
	return status, ok
}

// PendingCount returns the number of live operations.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Flush immediately fires the live operation for nodeID if it is pending,
// skipping the remaining debounce delay. Used by synchronization barriers.
func (c *Coordinator) Flush(nodeID string) {
	c.mu.Lock()
	op, ok := c.ops[nodeID]
	if ok && op.status == StatusPending && op.timer != nil {
		if op.timer.Stop() {
			op.timer = time.AfterFunc(0, func() { c.execute(op) })
		}
	}
	c.mu.Unlock()
}

// WaitForPersistence waits for the live operations of nodeIDs to finish,
// racing a timeout. After the timeout plus a grace period, the ids still
// not successfully persisted are returned. Ids without a live operation
// count as already satisfied.
func (c *Coordinator) WaitForPersistence(ctx context.Context, nodeIDs []string, timeout time.Duration) []string {
	type waiter struct {
		nodeID string
		handle *Handle
	}
	c.mu.Lock()
	waiters := make([]waiter, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if op, ok := c.ops[id]; ok {
			waiters = append(waiters, waiter{nodeID: id, handle: op.handle})
		}
	}
	c.mu.Unlock()

	if len(waiters) == 0 {
		return nil
	}
	for _, w := range waiters {
		c.Flush(w.nodeID)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// cancelledOutcome inspects a node whose captured handle was cancelled:
	// a live successor operation carries the write now, so the wait follows
	// it instead of reporting the node failed. With no successor, the
	// retained terminal status says how the durability work ended — an
	// explicit Cancel withdrew the work, which is not a failure.
	cancelledOutcome := func(nodeID string) (successor *Handle, failedNow bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if op, ok := c.ops[nodeID]; ok {
			return op.handle, false
		}
		return nil, c.recent[nodeID] == StatusFailed
	}

	remaining := waiters
	var failed []string
	for len(remaining) > 0 {
		w := remaining[0]
		select {
		case <-w.handle.Done():
			err := w.handle.Err()
			switch {
			case err == nil:
				remaining = remaining[1:]
			case !errors.IsCancelled(err):
				failed = append(failed, w.nodeID)
				remaining = remaining[1:]
			default:
				successor, bad := cancelledOutcome(w.nodeID)
				if successor != nil {
					remaining[0].handle = successor
					c.Flush(w.nodeID)
					continue
				}
				if bad {
					failed = append(failed, w.nodeID)
				}
				remaining = remaining[1:]
			}
		case <-deadline.C:
			// Timed out: allow a brief grace period, then report the
			// leftovers as failed to persist.
			time.Sleep(c.opts.WaitGracePeriod)
			for _, leftover := range remaining {
				select {
				case <-leftover.handle.Done():
					err := leftover.handle.Err()
					switch {
					case err == nil:
					case !errors.IsCancelled(err):
						failed = append(failed, leftover.nodeID)
					default:
						// A successor still running did not make the
						// deadline either.
						successor, bad := cancelledOutcome(leftover.nodeID)
						if successor != nil || bad {
							failed = append(failed, leftover.nodeID)
						}
					}
				default:
					failed = append(failed, leftover.nodeID)
				}
			}
			return failed
		case <-ctx.Done():
			for _, leftover := range remaining {
				failed = append(failed, leftover.nodeID)
			}
			return failed
		}
	}
	return failed
}

// Shutdown cancels every live operation and refuses new ones. In-memory
// node state is not the coordinator's concern and is untouched.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, op := range c.ops {
		c.cancelLocked(op, "coordinator shut down")
	}
	c.metrics.TrackedOperations(0)
}
