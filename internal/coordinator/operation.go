package coordinator

import (
	"context"
	"sync"
	"time"
)

// Mode selects how a persistence operation is scheduled.
type Mode string

const (
	// ModeImmediate runs the write on the next tick.
	ModeImmediate Mode = "immediate"
	// ModeDebounced runs the write after a quiet period; a superseding
	// request for the same node restarts the delay.
	ModeDebounced Mode = "debounced"
)

// Status is a persistence operation's lifecycle state. Transitions:
// pending → (blocked ⇄ schedulable) → in-progress → completed|failed;
// cancellation can strike any non-terminal state. Terminal states are final.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WriteAction is the durable write itself, executed once all dependencies
// resolve.
type WriteAction func(ctx context.Context) error

// depKind discriminates the Dependency union.
type depKind int

const (
	depNode depKind = iota
	depNodeSet
	depCheck
	depHandle
)

// Dependency is a tagged union of the precondition kinds an operation can
// declare: a node id (wait for that node's live operation, satisfied
// immediately if none is tracked), a node-id set, an arbitrary async
// precondition executed inline before the write, or another operation's
// handle.
type Dependency struct {
	kind    depKind
	nodeIDs []string
	check   func(ctx context.Context) error
	handle  *Handle
}

// OnNode declares a dependency on nodeID's live operation.
func OnNode(nodeID string) Dependency {
	return Dependency{kind: depNode, nodeIDs: []string{nodeID}}
}

// OnNodes declares a dependency on every node id in the set.
func OnNodes(nodeIDs ...string) Dependency {
	ids := append([]string(nil), nodeIDs...)
	return Dependency{kind: depNodeSet, nodeIDs: ids}
}

// OnCheck declares an arbitrary async precondition (e.g. "ensure this
// node's whole ancestor chain is durable"). Checks run inline right before
// the write and never block the operation in the waiting queue.
func OnCheck(check func(ctx context.Context) error) Dependency {
	return Dependency{kind: depCheck, check: check}
}

// OnHandle declares a dependency on another operation's completion.
func OnHandle(h *Handle) Dependency {
	return Dependency{kind: depHandle, handle: h}
}

// NodeIDs returns the node ids a node-kind dependency names, nil otherwise.
func (d Dependency) NodeIDs() []string {
	if d.kind == depNode || d.kind == depNodeSet {
		return d.nodeIDs
	}
	return nil
}

// Handle is the caller's view of one persistence operation: a completion
// promise plus a persisted-check.
type Handle struct {
	nodeID string
	opID   string

	once sync.Once
	done chan struct{}
	err  error
}

func newHandle(nodeID, opID string) *Handle {
	return &Handle{nodeID: nodeID, opID: opID, done: make(chan struct{})}
}

// NodeID returns the node this operation persists.
func (h *Handle) NodeID() string {
	return h.nodeID
}

// Done is closed when the operation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error: nil on success, a cancellation error when
// superseded, or the durability failure. Before completion it returns nil;
// use Done to know the difference.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Persisted reports whether the operation completed successfully.
func (h *Handle) Persisted() bool {
	select {
	case <-h.done:
		return h.err == nil
	default:
		return false
	}
}

// Wait blocks until the operation finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Operation is one tracked durable write. Exclusively owned by the
// Coordinator; at most one live operation exists per node id.
type Operation struct {
	ID     string
	NodeID string
	Mode   Mode

	action WriteAction
	deps   []Dependency

	status Status
	// blocking is the set of node-id dependencies whose operations have
	// not completed yet.
	blocking map[string]struct{}

	timer     *time.Timer
	handle    *Handle
	cancelled bool
	createdAt time.Time
}

// Status returns the operation's current lifecycle state.
func (o *Operation) Status() Status {
	return o.status
}

// BlockingDeps returns the node ids the operation is still waiting on.
func (o *Operation) BlockingDeps() []string {
	out := make([]string, 0, len(o.blocking))
	for id := range o.blocking {
		out = append(out, id)
	}
	return out
}
