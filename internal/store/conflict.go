package store

import (
	"reflect"
	"time"

	"treedoc-backend/internal/domain/node"
)

// Resolver strategy names.
const (
	StrategyLastWriteWins        = "last-write-wins"
	StrategyFieldMerge           = "field-merge"
	StrategyFieldMergeLWW        = "field-merge-lww"
	StrategyOperationalTransform = "operational-transform"
	StrategyManual               = "manual"
)

// Resolver turns a detected conflict into a deterministic resolution.
// Resolvers must not consult anything beyond the conflict's own inputs, so
// repeated runs over the same pair produce identical output.
type Resolver interface {
	Name() string
	Resolve(conflict *node.Conflict) *node.Resolution
}

// newResolverRegistry builds the built-in strategy set.
func newResolverRegistry() map[string]Resolver {
	registry := make(map[string]Resolver, 4)
	for _, r := range []Resolver{
		lastWriteWinsResolver{},
		fieldMergeResolver{},
		// Real operational transform and manual resolution are extension
		// points: both currently fall back to last-write-wins but tag the
		// result with their own name so the UI can tell a richer
		// resolution was requested.
		fallbackResolver{name: StrategyOperationalTransform},
		fallbackResolver{name: StrategyManual},
	} {
		registry[r.Name()] = r
	}
	return registry
}

// pickWinner orders the colliding updates by timestamp; the later one wins.
// Ties go to the remote update, which arrived second.
func pickWinner(c *node.Conflict) (winner, loser *node.Update) {
	if c.LocalUpdate.Timestamp.After(c.RemoteUpdate.Timestamp) {
		return c.LocalUpdate, c.RemoteUpdate
	}
	return c.RemoteUpdate, c.LocalUpdate
}

// lastWriteWinsResolver keeps the later update's changes wholesale.
type lastWriteWinsResolver struct{}

func (lastWriteWinsResolver) Name() string { return StrategyLastWriteWins }

func (lastWriteWinsResolver) Resolve(c *node.Conflict) *node.Resolution {
	winner, loser := pickWinner(c)
	return &node.Resolution{
		ResolvedChanges: winner.Changes,
		Discarded:       loser,
		Strategy:        StrategyLastWriteWins,
	}
}

// fieldMergeResolver merges at field granularity: fields only one side
// touched are kept, identical values collapse, and fields both sides set to
// different values fall back to last-write-wins per field. The strategy
// label on the result reflects whether any field needed the tiebreak.
type fieldMergeResolver struct{}

func (fieldMergeResolver) Name() string { return StrategyFieldMerge }

func (fieldMergeResolver) Resolve(c *node.Conflict) *node.Resolution {
	winner, loser := pickWinner(c)

	touched := make(map[string]struct{}, 8)
	for _, f := range c.LocalUpdate.Changes.FieldNames() {
		touched[f] = struct{}{}
	}
	for _, f := range c.RemoteUpdate.Changes.FieldNames() {
		touched[f] = struct{}{}
	}

	var resolved node.Changes
	usedTiebreak := false
	for field := range touched {
		localVal, localHas := c.LocalUpdate.Changes.FieldValue(field)
		remoteVal, remoteHas := c.RemoteUpdate.Changes.FieldValue(field)
		switch {
		case localHas && remoteHas:
			if reflect.DeepEqual(localVal, remoteVal) {
				resolved.SetField(field, localVal)
				continue
			}
			winnerVal, _ := winner.Changes.FieldValue(field)
			resolved.SetField(field, winnerVal)
			usedTiebreak = true
		case localHas:
			resolved.SetField(field, localVal)
		case remoteHas:
			resolved.SetField(field, remoteVal)
		}
	}

	strategy := StrategyFieldMerge
	if usedTiebreak {
		strategy = StrategyFieldMergeLWW
	}
	return &node.Resolution{
		ResolvedChanges: resolved,
		Discarded:       loser,
		Strategy:        strategy,
	}
}

// fallbackResolver resolves via last-write-wins but keeps its own strategy
// name on the result. Deliberately incomplete, not a bug.
type fallbackResolver struct {
	name string
}

func (r fallbackResolver) Name() string { return r.name }

func (r fallbackResolver) Resolve(c *node.Conflict) *node.Resolution {
	res := lastWriteWinsResolver{}.Resolve(c)
	res.Strategy = r.name
	return res
}

// detectConflict implements the detection order the update pipeline runs
// before applying an incoming update:
//
//  1. a declared previousVersion that differs from the current version is a
//     version-mismatch against the most recent pending update, or against
//     the settled node state itself when nothing is pending;
//  2. otherwise, any pending update within the conflict window touching an
//     overlapping field set is a concurrent edit — except when the incoming
//     update retags the node type, which is a pattern-triggered conversion
//     and never conflicts.
func detectConflict(incoming *node.Update, pending []*node.Update, current *node.Node, window time.Duration) *node.Conflict {
	if incoming.PreviousVersion != 0 && incoming.PreviousVersion != current.Version {
		local := settledUpdate(current)
		if len(pending) > 0 {
			local = pending[len(pending)-1]
		}
		return &node.Conflict{
			NodeID:       incoming.NodeID,
			LocalUpdate:  local,
			RemoteUpdate: incoming,
			Type:         node.ConflictVersionMismatch,
			DetectedAt:   time.Now(),
		}
	}

	if incoming.Changes.IsTypeChange() {
		return nil
	}

	for _, p := range pending {
		delta := incoming.Timestamp.Sub(p.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < window && incoming.TouchesSameFields(p) {
			return &node.Conflict{
				NodeID:       incoming.NodeID,
				LocalUpdate:  p,
				RemoteUpdate: incoming,
				Type:         node.ConflictConcurrentEdit,
				DetectedAt:   time.Now(),
			}
		}
	}
	return nil
}

// settledUpdate represents the node's current state as an update, so a stale
// version claim arriving with nothing pending still resolves through the
// same resolver shapes as a pending-vs-incoming collision.
func settledUpdate(current *node.Node) *node.Update {
	return &node.Update{
		NodeID:    current.ID,
		Changes:   fullChanges(current),
		Source:    node.DatabaseSource(),
		Timestamp: current.ModifiedAt,
		Version:   current.Version,
	}
}
