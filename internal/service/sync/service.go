// Package sync assembles the synchronization core: the node store, the
// persistence coordinator, and the hierarchy index, wired from configuration
// and a storage backend. It is the surface the HTTP layer and embedding
// hosts talk to.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"treedoc-backend/internal/config"
	"treedoc-backend/internal/coordinator"
	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/hierarchy"
	"treedoc-backend/internal/repository"
	"treedoc-backend/internal/store"
	"treedoc-backend/pkg/errors"
	"treedoc-backend/pkg/observability"
)

// Service owns the store/coordinator/index trio for one document space.
type Service struct {
	store *store.Store
	coord *coordinator.Coordinator
	index *hierarchy.Index
	repo  repository.NodeRepository

	logger      *zap.Logger
	unsubscribe func()
}

// New wires a Service from configuration. The hierarchy index is kept
// current through a wildcard store subscription, so every mutation path
// (updates, batches, conflict resolutions, rollbacks, deletes) feeds it.
func New(cfg *config.Config, repo repository.NodeRepository, logger *zap.Logger, metrics observability.MetricsCollector) *Service {
	coord := coordinator.New(coordinator.Options{
		DebounceInterval: cfg.Sync.DebounceInterval.Std(),
		WaitGracePeriod:  cfg.Sync.WaitGracePeriod.Std(),
		StatusRetention:  cfg.Sync.StatusRetention.Std(),
	}, logger, metrics)

	st := store.New(repo, coord, store.Options{
		ConflictWindow:      cfg.Sync.ConflictWindow.Std(),
		BatchTimeout:        cfg.Sync.BatchTimeout.Std(),
		DefaultStrategy:     cfg.Sync.DefaultStrategy,
		PlaceholderPrefixes: cfg.Sync.PlaceholderPrefixes,
	}, logger, metrics)

	svc := &Service{
		store:  st,
		coord:  coord,
		index:  hierarchy.NewIndex(),
		repo:   repo,
		logger: logger.Named("sync_service"),
	}
	svc.unsubscribe = st.SubscribeAll(svc.trackHierarchy)
	return svc
}

// trackHierarchy mirrors parent/child structure into the index. It runs
// inside the store's notification path and must not call back into the
// store.
func (s *Service) trackHierarchy(change store.Change) {
	if change.Deleted {
		s.index.Remove(change.Node.ID)
		return
	}
	s.index.Reparent(change.Node.ID, change.Node.ParentID)
}

// Store exposes the underlying node store for subscribers and tests.
func (s *Service) Store() *store.Store {
	return s.store
}

// Index exposes the hierarchy index.
func (s *Service) Index() *hierarchy.Index {
	return s.index
}

// CreateNode materializes a new node in memory and schedules its first
// durable write. An empty id gets a generated one. The returned handle
// reports the outcome of the write, or nil when the node stays memory-only
// (placeholders, database-sourced loads, explicit skips).
func (s *Service) CreateNode(n *node.Node, source node.Source, opts store.UpdateOptions) (*node.Node, *coordinator.Handle) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return s.store.Set(n, source, opts)
}

// ApplyUpdate routes a partial change set through conflict detection and
// into the store.
func (s *Service) ApplyUpdate(nodeID string, changes node.Changes, source node.Source, opts store.UpdateOptions) *node.Node {
	return s.store.Update(nodeID, changes, source, opts)
}

// DeleteNode removes a node from memory and, when it was durable, from the
// backend.
func (s *Service) DeleteNode(nodeID string, source node.Source, opts store.UpdateOptions) {
	s.store.Delete(nodeID, source, opts)
}

// GetNode returns the current in-memory state, falling back to the backend
// for nodes that were never loaded. Backend hits are installed into the
// store as database-sourced state so later updates version against them.
func (s *Service) GetNode(ctx context.Context, nodeID string) (*node.Node, error) {
	if n := s.store.Get(nodeID); n != nil {
		return n, nil
	}
	n, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, errors.NewNotFound("node " + nodeID + " not found")
		}
		return nil, errors.NewPersistence("failed to load node "+nodeID, err)
	}
	stored, _ := s.store.Set(n, node.DatabaseSource(), store.UpdateOptions{})
	return stored, nil
}

// Children returns the in-memory children of a node, resolved through the
// hierarchy index.
func (s *Service) Children(parentID string) []*node.Node {
	ids := s.index.ChildrenOf(parentID)
	out := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if n := s.store.Get(id); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// LoadContainer hydrates a container's nodes from the backend into the
// store. Already-loaded nodes are left alone so local unsaved edits are not
// clobbered by stale backend state.
func (s *Service) LoadContainer(ctx context.Context, containerID string) (int, error) {
	nodes, err := s.repo.GetNodesByContainer(ctx, containerID)
	if err != nil {
		return 0, errors.NewPersistence("failed to load container "+containerID, err)
	}
	loaded := 0
	for _, n := range nodes {
		if s.store.Get(n.ID) != nil {
			continue
		}
		s.store.Set(n, node.DatabaseSource(), store.UpdateOptions{})
		loaded++
	}
	s.logger.Info("container hydrated",
		zap.String("container_id", containerID),
		zap.Int("loaded", loaded),
		zap.Int("total", len(nodes)))
	return loaded, nil
}

// StartBatch, AddToBatch, CommitBatch, and CancelBatch expose the batch
// controller.
func (s *Service) StartBatch(nodeID string, timeout time.Duration) {
	s.store.StartBatch(nodeID, timeout)
}

func (s *Service) AddToBatch(nodeID string, changes node.Changes, source node.Source) {
	s.store.AddToBatch(nodeID, changes, source)
}

func (s *Service) CommitBatch(nodeID string) *coordinator.Handle {
	return s.store.CommitBatch(nodeID)
}

func (s *Service) CancelBatch(nodeID string) {
	s.store.CancelBatch(nodeID)
}

// ApplyTuning applies reloaded sync tunables to the running components.
// Debounce, conflict window, and batch timeout take effect for operations
// that start after the call; everything already scheduled is untouched.
func (s *Service) ApplyTuning(tuning config.Sync) {
	s.coord.SetDebounceInterval(tuning.DebounceInterval.Std())
	s.store.SetTuning(tuning.ConflictWindow.Std(), tuning.BatchTimeout.Std())
	s.logger.Info("sync tuning applied",
		zap.Duration("debounce_interval", tuning.DebounceInterval.Std()),
		zap.Duration("conflict_window", tuning.ConflictWindow.Std()),
		zap.Duration("batch_timeout", tuning.BatchTimeout.Std()))
}

// WaitForPersistence flushes and waits for the named nodes' durable writes,
// returning the subset that did not complete in time.
func (s *Service) WaitForPersistence(ctx context.Context, nodeIDs []string, timeout time.Duration) []string {
	return s.store.WaitForPersistence(ctx, nodeIDs, timeout)
}

// OperationStatus reports the persistence status for a node, if any is
// live or recently finished.
func (s *Service) OperationStatus(nodeID string) (coordinator.Status, bool) {
	return s.coord.OperationStatus(nodeID)
}

// PendingCount returns the number of tracked persistence operations.
func (s *Service) PendingCount() int {
	return s.coord.PendingCount()
}

// Shutdown stops the wildcard subscription and the coordinator. In-flight
// writes are cancelled; callers wanting durability should WaitForPersistence
// first.
func (s *Service) Shutdown() {
	s.unsubscribe()
	s.coord.Shutdown()
	s.logger.Info("sync service stopped")
}
