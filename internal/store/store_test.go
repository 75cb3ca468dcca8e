package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treedoc-backend/internal/coordinator"
	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository/mocks"
)

func strptr(s string) *string { return &s }

func newTestStore(t *testing.T) (*Store, *mocks.MockRepository) {
	t.Helper()
	repo := mocks.NewMockRepository()
	coord := coordinator.New(coordinator.Options{
		DebounceInterval: 30 * time.Millisecond,
		WaitGracePeriod:  20 * time.Millisecond,
	}, zap.NewNop(), nil)
	t.Cleanup(coord.Shutdown)

	s := New(repo, coord, Options{
		ConflictWindow: 5 * time.Second,
		BatchTimeout:   2 * time.Second,
		PlaceholderPrefixes: map[string]string{
			"ordered-list": "1. ",
			"task":         "[ ] ",
		},
	}, zap.NewNop(), nil)
	return s, repo
}

// seedDurable installs a node as if it had been loaded from storage: present
// in the backend, marked durable, version tracked.
func seedDurable(t *testing.T, s *Store, repo *mocks.MockRepository, n *node.Node) {
	t.Helper()
	_, err := repo.CreateNode(context.Background(), n)
	require.NoError(t, err)
	_, handle := s.Set(n, node.DatabaseSource(), UpdateOptions{})
	require.Nil(t, handle, "database-sourced sets must not schedule persistence")
}

func waitPersisted(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	failed := s.WaitForPersistence(context.Background(), ids, 2*time.Second)
	require.Empty(t, failed)
}

func TestUpdate_VersionIncrementsByOne(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "first", Version: 1})

	n := s.Update("n1", node.ContentChange("second"), node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, n)
	assert.Equal(t, 2, n.Version)

	n = s.Update("n1", node.ContentChange("third"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})
	assert.Equal(t, 3, n.Version)
	assert.Equal(t, "third", n.Content)
}

func TestUpdate_UnknownNodeIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Nil(t, s.Update("ghost", node.ContentChange("x"), node.ViewerSource("v1"), UpdateOptions{}))
}

func TestUpdate_SubscribersNotifiedSynchronously(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "a", Version: 1})

	var got []Change
	s.Subscribe("n1", func(change Change) {
		got = append(got, change)
	})

	s.Update("n1", node.ContentChange("b"), node.ViewerSource("v1"), UpdateOptions{SkipPersistence: true})

	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Node.Content)
	assert.Equal(t, node.SourceViewer, got[0].Source.Kind)
	assert.False(t, got[0].Deleted)
}

func TestUpdate_PanickingSubscriberDoesNotStarveOthers(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "a", Version: 1})

	s.Subscribe("n1", func(change Change) { panic("boom") })
	var called bool
	s.Subscribe("n1", func(change Change) { called = true })

	s.Update("n1", node.ContentChange("b"), node.ViewerSource("v1"), UpdateOptions{SkipPersistence: true})
	assert.True(t, called)
}

func TestUpdate_DebouncedWritesCoalesce(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "v0", Version: 1})

	s.Update("n1", node.ContentChange("v1"), node.ViewerSource("v1"), UpdateOptions{})
	s.Update("n1", node.ContentChange("v2"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})
	s.Update("n1", node.ContentChange("v3"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})

	waitPersisted(t, s, "n1")

	writes := repo.CallsFor("UpdateNode")
	assert.Len(t, writes, 1, "rapid edits inside the debounce window must land as one write")

	stored, err := repo.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "v3", stored.Content)
}

func TestUpdate_WritesKeepLandingAfterCoalescedWrite(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "a", Version: 1})

	var rollbacks int
	s.OnRollback(func(nodeID, reason string, failed *node.Update) { rollbacks++ })

	// Two rapid edits coalesce into one durable write: memory advances two
	// versions, the backend only one.
	s.Update("n1", node.ContentChange("aa"), node.ViewerSource("v1"), UpdateOptions{})
	s.Update("n1", node.ContentChange("ab"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})
	waitPersisted(t, s, "n1")

	// The follow-up write must carry the version the backend actually
	// holds, not the higher memory version.
	n := s.Update("n1", node.ContentChange("abc"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})
	require.NotNil(t, n)
	waitPersisted(t, s, "n1")

	assert.Zero(t, rollbacks, "a valid follow-up update must not trip the version check")
	assert.Equal(t, "abc", s.Get("n1").Content)
	stored, err := repo.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "abc", stored.Content)
	assert.Len(t, repo.CallsFor("UpdateNode"), 2)
}

func TestUpdate_RollbackOnDurableFailure(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "stable", Version: 1})

	var rolledBack []string
	s.OnRollback(func(nodeID, reason string, failed *node.Update) {
		rolledBack = append(rolledBack, nodeID)
	})

	repo.SetErrorOnce("UpdateNode", assert.AnError)
	n := s.Update("n1", node.ContentChange("doomed"), node.ViewerSource("v1"), UpdateOptions{Mode: coordinator.ModeImmediate})
	require.NotNil(t, n)
	assert.Equal(t, "doomed", n.Content, "optimistic apply is immediate")

	require.Eventually(t, func() bool {
		current := s.Get("n1")
		return current != nil && current.Content == "stable"
	}, 2*time.Second, 10*time.Millisecond, "failed write must restore the pre-update state")

	assert.Equal(t, 1, s.Get("n1").Version)
	assert.Equal(t, []string{"n1"}, rolledBack)
	assert.Empty(t, s.PendingUpdates("n1"))
}

func TestUpdate_SupersededWriteIsNotRolledBack(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "v0", Version: 1})

	var rollbacks int
	s.OnRollback(func(nodeID, reason string, failed *node.Update) { rollbacks++ })

	s.Update("n1", node.ContentChange("v1"), node.ViewerSource("v1"), UpdateOptions{})
	s.Update("n1", node.ContentChange("v2"), node.ViewerSource("v1"), UpdateOptions{SkipConflictDetection: true})
	waitPersisted(t, s, "n1")

	assert.Equal(t, "v2", s.Get("n1").Content)
	assert.Zero(t, rollbacks, "a superseded write is control flow, not a failure")
}

func TestSet_NewNodePersistsAndReportsHandle(t *testing.T) {
	s, repo := newTestStore(t)

	stored, handle := s.Set(&node.Node{ID: "n1", NodeType: "text", Content: "hello"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, handle)
	assert.Equal(t, 1, stored.Version)

	require.NoError(t, handle.Wait(context.Background()))
	assert.True(t, repo.Has("n1"))
	writes := repo.CallsFor("CreateNode")
	assert.Len(t, writes, 1)
}

func TestSet_PlaceholderStaysMemoryOnly(t *testing.T) {
	s, repo := newTestStore(t)

	_, handle := s.Set(&node.Node{ID: "n1", NodeType: "ordered-list", Content: "1. "}, node.ViewerSource("v1"), UpdateOptions{})
	assert.Nil(t, handle, "boilerplate-only nodes have no durability obligation")
	assert.False(t, repo.Has("n1"))

	// Real content lifts the placeholder exemption.
	s.Update("n1", node.ContentChange("1. buy milk"), node.ViewerSource("v1"), UpdateOptions{})
	waitPersisted(t, s, "n1")
	assert.True(t, repo.Has("n1"))
}

func TestSet_OncePersistedAlwaysPersisted(t *testing.T) {
	s, repo := newTestStore(t)

	_, handle := s.Set(&node.Node{ID: "n1", NodeType: "ordered-list", Content: "1. buy milk"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, handle)
	require.NoError(t, handle.Wait(context.Background()))

	// Shrinking back to placeholder form still persists: the durable copy
	// must not go stale.
	s.Update("n1", node.ContentChange("1. "), node.ViewerSource("v1"), UpdateOptions{})
	waitPersisted(t, s, "n1")

	stored, err := repo.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "1. ", stored.Content)
}

func TestSet_ExplicitSkipBeatsEverything(t *testing.T) {
	s, repo := newTestStore(t)

	_, handle := s.Set(&node.Node{ID: "n1", NodeType: "text", Content: "real content"}, node.ViewerSource("v1"), UpdateOptions{SkipPersistence: true})
	assert.Nil(t, handle)
	assert.False(t, repo.Has("n1"))
}

func TestSet_ParentPersistsBeforeChild(t *testing.T) {
	s, repo := newTestStore(t)

	_, parentHandle := s.Set(&node.Node{ID: "parent", NodeType: "text", Content: "parent body"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, parentHandle)
	_, childHandle := s.Set(&node.Node{ID: "child", NodeType: "text", Content: "child body", ParentID: "parent"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, childHandle)

	waitPersisted(t, s, "parent", "child")

	var order []string
	for _, call := range repo.CallsFor("CreateNode") {
		order = append(order, call.NodeID)
	}
	assert.Equal(t, []string{"parent", "child"}, order)
}

func TestSet_UnpersistedPlaceholderParentForcedDurable(t *testing.T) {
	s, repo := newTestStore(t)

	// The parent is a placeholder with no write scheduled at all.
	_, parentHandle := s.Set(&node.Node{ID: "parent", NodeType: "ordered-list", Content: "1. "}, node.ViewerSource("v1"), UpdateOptions{})
	require.Nil(t, parentHandle)

	_, childHandle := s.Set(&node.Node{ID: "child", NodeType: "text", Content: "child body", ParentID: "parent"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, childHandle)
	require.NoError(t, childHandle.Wait(context.Background()))

	assert.True(t, repo.Has("parent"), "referenced placeholder must be forced durable first")
	assert.True(t, repo.Has("child"))
}

func TestDelete_DurableNodeRemovedFromBackend(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "body", Version: 1})

	var deletions []Change
	s.SubscribeAll(func(change Change) {
		if change.Deleted {
			deletions = append(deletions, change)
		}
	})

	s.Delete("n1", node.ViewerSource("v1"), UpdateOptions{})

	assert.Nil(t, s.Get("n1"))
	require.Len(t, deletions, 1)
	assert.Equal(t, "n1", deletions[0].Node.ID)

	require.Eventually(t, func() bool {
		return !repo.Has("n1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDelete_NeverPersistedNodeSkipsBackend(t *testing.T) {
	s, repo := newTestStore(t)

	_, handle := s.Set(&node.Node{ID: "n1", NodeType: "ordered-list", Content: "1. "}, node.ViewerSource("v1"), UpdateOptions{})
	require.Nil(t, handle)

	s.Delete("n1", node.ViewerSource("v1"), UpdateOptions{})
	assert.Nil(t, s.Get("n1"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, repo.CallsFor("DeleteNode"))
}

func TestDelete_CancelsPendingWrite(t *testing.T) {
	s, repo := newTestStore(t)

	_, handle := s.Set(&node.Node{ID: "n1", NodeType: "text", Content: "body"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, handle)

	// Deleting before the debounced create fires cancels it outright.
	s.Delete("n1", node.ViewerSource("v1"), UpdateOptions{})
	require.Error(t, handle.Wait(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, repo.Has("n1"))
	assert.Empty(t, repo.CallsFor("CreateNode"))
}

func TestWaitForPersistence_BarrierBeforeDestructiveFollowUp(t *testing.T) {
	s, repo := newTestStore(t)

	_, h1 := s.Set(&node.Node{ID: "a", NodeType: "text", Content: "a body"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, h1)
	_, h2 := s.Set(&node.Node{ID: "b", NodeType: "text", Content: "b body"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, h2)

	failed := s.WaitForPersistence(context.Background(), []string{"a", "b"}, 2*time.Second)
	assert.Empty(t, failed)
	assert.True(t, repo.Has("a"))
	assert.True(t, repo.Has("b"))
}

func TestWaitForPersistence_ReportsFailedSubset(t *testing.T) {
	s, repo := newTestStore(t)

	repo.SetError("CreateNode", assert.AnError)
	_, handle := s.Set(&node.Node{ID: "doomed", NodeType: "text", Content: "body"}, node.ViewerSource("v1"), UpdateOptions{})
	require.NotNil(t, handle)

	failed := s.WaitForPersistence(context.Background(), []string{"doomed"}, 2*time.Second)
	assert.Equal(t, []string{"doomed"}, failed)
}

func TestConcurrentUpdates_AllApplyExactlyOnce(t *testing.T) {
	s, repo := newTestStore(t)
	seedDurable(t, s, repo, &node.Node{ID: "n1", NodeType: "text", Content: "v0", Version: 1})

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("n1", node.ContentChange("concurrent"), node.ViewerSource("v1"), UpdateOptions{
				SkipConflictDetection: true,
				SkipPersistence:       true,
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1+writers, s.Get("n1").Version, "each apply increments the version by exactly one")
}
