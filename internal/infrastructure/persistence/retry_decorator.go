// Package persistence provides resilience decorators around the storage
// backend: retry with exponential backoff and a circuit breaker. Decorators
// wrap any NodeRepository and are stacked from the inside out.
package persistence

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository"
)

// RetryConfig configures retry behavior for repository operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryRepository retries transient backend failures. Version conflicts,
// constraint violations, and not-found results are never retried: they need
// caller intervention, and retrying them only hides the real problem.
type RetryRepository struct {
	inner  repository.NodeRepository
	config RetryConfig
	logger *zap.Logger
	rand   *rand.Rand
}

var _ repository.NodeRepository = (*RetryRepository)(nil)

// NewRetryRepository wraps inner with retry logic.
func NewRetryRepository(inner repository.NodeRepository, config RetryConfig, logger *zap.Logger) *RetryRepository {
	if config.MaxRetries <= 0 {
		config = DefaultRetryConfig()
	}
	return &RetryRepository{
		inner:  inner,
		config: config,
		logger: logger.Named("retry_repository"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay computes the backoff for an attempt with jitter.
func (r *RetryRepository) delay(attempt int) time.Duration {
	backoff := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if backoff > float64(r.config.MaxDelay) {
		backoff = float64(r.config.MaxDelay)
	}
	jitter := backoff * r.config.JitterFactor * r.rand.Float64()
	return time.Duration(backoff + jitter)
}

// withRetry runs op, retrying retryable errors until attempts are exhausted
// or the context expires.
func (r *RetryRepository) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !repository.IsRetryable(err) {
			return err
		}
		if attempt >= r.config.MaxRetries {
			return err
		}
		wait := r.delay(attempt)
		r.logger.Debug("retrying repository operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *RetryRepository) CreateNode(ctx context.Context, n *node.Node) (string, error) {
	var id string
	err := r.withRetry(ctx, "CreateNode", func() error {
		var opErr error
		id, opErr = r.inner.CreateNode(ctx, n)
		return opErr
	})
	return id, err
}

func (r *RetryRepository) UpdateNode(ctx context.Context, id string, expectedVersion int, changes node.Changes) (*node.Node, error) {
	var updated *node.Node
	err := r.withRetry(ctx, "UpdateNode", func() error {
		var opErr error
		updated, opErr = r.inner.UpdateNode(ctx, id, expectedVersion, changes)
		return opErr
	})
	return updated, err
}

func (r *RetryRepository) DeleteNode(ctx context.Context, id string, expectedVersion int) error {
	return r.withRetry(ctx, "DeleteNode", func() error {
		return r.inner.DeleteNode(ctx, id, expectedVersion)
	})
}

func (r *RetryRepository) GetNode(ctx context.Context, id string) (*node.Node, error) {
	var n *node.Node
	err := r.withRetry(ctx, "GetNode", func() error {
		var opErr error
		n, opErr = r.inner.GetNode(ctx, id)
		return opErr
	})
	return n, err
}

func (r *RetryRepository) GetChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	var out []*node.Node
	err := r.withRetry(ctx, "GetChildren", func() error {
		var opErr error
		out, opErr = r.inner.GetChildren(ctx, parentID)
		return opErr
	})
	return out, err
}

func (r *RetryRepository) GetNodesByContainer(ctx context.Context, containerID string) ([]*node.Node, error) {
	var out []*node.Node
	err := r.withRetry(ctx, "GetNodesByContainer", func() error {
		var opErr error
		out, opErr = r.inner.GetNodesByContainer(ctx, containerID)
		return opErr
	})
	return out, err
}

func (r *RetryRepository) FindNodes(ctx context.Context, query repository.NodeQuery) ([]*node.Node, error) {
	var out []*node.Node
	err := r.withRetry(ctx, "FindNodes", func() error {
		var opErr error
		out, opErr = r.inner.FindNodes(ctx, query)
		return opErr
	})
	return out, err
}
