package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treedoc-backend/internal/config"
	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository/mocks"
	"treedoc-backend/internal/store"
)

func newTestService(t *testing.T) (*Service, *mocks.MockRepository) {
	t.Helper()
	cfg := config.Default()
	cfg.Sync.DebounceInterval = config.Duration(30 * time.Millisecond)
	cfg.Sync.WaitGracePeriod = config.Duration(20 * time.Millisecond)

	repo := mocks.NewMockRepository()
	svc := New(cfg, repo, zap.NewNop(), nil)
	t.Cleanup(svc.Shutdown)
	return svc, repo
}

func TestCreateNode_GeneratesID(t *testing.T) {
	svc, _ := newTestService(t)

	n, _ := svc.CreateNode(&node.Node{NodeType: "text", Content: "body"}, node.ViewerSource("v1"), store.UpdateOptions{})
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, 1, n.Version)
}

func TestHierarchyIndex_TracksEveryMutationPath(t *testing.T) {
	svc, _ := newTestService(t)
	opts := store.UpdateOptions{SkipPersistence: true}

	svc.CreateNode(&node.Node{ID: "root", NodeType: "text", Content: "r"}, node.ViewerSource("v1"), opts)
	svc.CreateNode(&node.Node{ID: "a", NodeType: "text", Content: "a", ParentID: "root"}, node.ViewerSource("v1"), opts)
	svc.CreateNode(&node.Node{ID: "b", NodeType: "text", Content: "b", ParentID: "root"}, node.ViewerSource("v1"), opts)

	children := svc.Children("root")
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	// Structural update moves the node in the index too.
	svc.ApplyUpdate("b", node.StructuralChange(strPtr("a"), nil), node.ViewerSource("v1"), opts)
	assert.Len(t, svc.Children("root"), 1)
	require.Len(t, svc.Children("a"), 1)
	assert.Equal(t, "b", svc.Children("a")[0].ID)

	svc.DeleteNode("b", node.ViewerSource("v1"), opts)
	assert.Empty(t, svc.Children("a"))
}

func strPtr(s string) *string { return &s }

func TestGetNode_FallsBackToBackend(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := repo.CreateNode(context.Background(), &node.Node{ID: "cold", NodeType: "text", Content: "stored", Version: 4})
	require.NoError(t, err)

	n, err := svc.GetNode(context.Background(), "cold")
	require.NoError(t, err)
	assert.Equal(t, "stored", n.Content)
	assert.Equal(t, 4, n.Version)

	// Loaded state is installed in memory as database-sourced, so later
	// updates version against it without re-persisting the load.
	require.NotNil(t, svc.Store().Get("cold"))
	updated := svc.ApplyUpdate("cold", node.ContentChange("edited"), node.ViewerSource("v1"), store.UpdateOptions{})
	assert.Equal(t, 5, updated.Version)
}

func TestGetNode_UnknownEverywhere(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetNode(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestLoadContainer_SkipsAlreadyLoadedNodes(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	for _, n := range []*node.Node{
		{ID: "doc", NodeType: "text", Content: "doc", Version: 1},
		{ID: "row1", NodeType: "text", Content: "one", ContainerNodeID: "doc", Version: 1},
		{ID: "row2", NodeType: "text", Content: "two", ContainerNodeID: "doc", Version: 1},
	} {
		_, err := repo.CreateNode(ctx, n)
		require.NoError(t, err)
	}

	loaded, err := svc.LoadContainer(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	// A local edit must survive a re-hydration.
	svc.ApplyUpdate("row1", node.ContentChange("edited locally"), node.ViewerSource("v1"), store.UpdateOptions{SkipPersistence: true})
	loaded, err = svc.LoadContainer(ctx, "doc")
	require.NoError(t, err)
	assert.Zero(t, loaded)
	assert.Equal(t, "edited locally", svc.Store().Get("row1").Content)
}

func TestWaitForPersistence_EndToEnd(t *testing.T) {
	svc, repo := newTestService(t)

	n, handle := svc.CreateNode(&node.Node{NodeType: "text", Content: "body"}, node.ViewerSource("v1"), store.UpdateOptions{})
	require.NotNil(t, handle)

	failed := svc.WaitForPersistence(context.Background(), []string{n.ID}, 2*time.Second)
	assert.Empty(t, failed)
	assert.True(t, repo.Has(n.ID))
}
