// Package persistence - circuit breaker decorator preventing a failing
// backend from being hammered by retries and debounced writes.
package persistence

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository"
)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerRepository wraps a NodeRepository with a gobreaker circuit.
// Version conflicts and constraint violations count as successes for the
// circuit: they are the backend doing its job, not the backend being down.
type BreakerRepository struct {
	inner   repository.NodeRepository
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ repository.NodeRepository = (*BreakerRepository)(nil)

// NewBreakerRepository wraps inner with a circuit breaker.
func NewBreakerRepository(inner repository.NodeRepository, config BreakerConfig, logger *zap.Logger) *BreakerRepository {
	log := logger.Named("breaker_repository")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return repository.IsVersionConflict(err) ||
				repository.IsConstraintViolation(err) ||
				repository.IsNotFound(err)
		},
	})
	return &BreakerRepository{inner: inner, breaker: cb, logger: log}
}

func (b *BreakerRepository) execute(op func() (any, error)) (any, error) {
	return b.breaker.Execute(op)
}

func (b *BreakerRepository) CreateNode(ctx context.Context, n *node.Node) (string, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.CreateNode(ctx, n)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (b *BreakerRepository) UpdateNode(ctx context.Context, id string, expectedVersion int, changes node.Changes) (*node.Node, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.UpdateNode(ctx, id, expectedVersion, changes)
	})
	if err != nil {
		return nil, err
	}
	return result.(*node.Node), nil
}

func (b *BreakerRepository) DeleteNode(ctx context.Context, id string, expectedVersion int) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.DeleteNode(ctx, id, expectedVersion)
	})
	return err
}

func (b *BreakerRepository) GetNode(ctx context.Context, id string) (*node.Node, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.GetNode(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*node.Node), nil
}

func (b *BreakerRepository) GetChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.GetChildren(ctx, parentID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*node.Node), nil
}

func (b *BreakerRepository) GetNodesByContainer(ctx context.Context, containerID string) ([]*node.Node, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.GetNodesByContainer(ctx, containerID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*node.Node), nil
}

func (b *BreakerRepository) FindNodes(ctx context.Context, query repository.NodeQuery) ([]*node.Node, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.FindNodes(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*node.Node), nil
}
