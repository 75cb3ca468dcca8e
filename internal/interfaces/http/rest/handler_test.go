package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treedoc-backend/internal/config"
	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository/mocks"
	syncsvc "treedoc-backend/internal/service/sync"
	"treedoc-backend/internal/store"
)

func storeOpts() store.UpdateOptions {
	return store.UpdateOptions{}
}

func storeOptsSkip() store.UpdateOptions {
	return store.UpdateOptions{SkipPersistence: true}
}

// seedViaRepo installs a node both in the backend and in memory as
// database-sourced state.
func seedViaRepo(t *testing.T, svc *syncsvc.Service, repo *mocks.MockRepository, n *node.Node) {
	t.Helper()
	_, err := repo.CreateNode(context.Background(), n)
	require.NoError(t, err)
	svc.CreateNode(n, node.DatabaseSource(), store.UpdateOptions{})
}

func newTestServer(t *testing.T) (*httptest.Server, *syncsvc.Service, *mocks.MockRepository) {
	t.Helper()
	cfg := config.Default()
	cfg.Sync.DebounceInterval = config.Duration(20 * time.Millisecond)

	repo := mocks.NewMockRepository()
	svc := syncsvc.New(cfg, repo, zap.NewNop(), nil)
	t.Cleanup(svc.Shutdown)

	srv := httptest.NewServer(NewHandler(svc, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv, svc, repo
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestCreateAndGetNode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/nodes", map[string]any{
		"id":       "n1",
		"nodeType": "text",
		"content":  "hello",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "n1", created["id"])
	assert.Equal(t, float64(1), created["version"])

	resp, fetched := doJSON(t, http.MethodGet, srv.URL+"/api/nodes/n1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", fetched["content"])
}

func TestCreateNode_ValidationError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/nodes", map[string]any{
		"content": "missing node type",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetNode_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/nodes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateNode(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	svc.CreateNode(&node.Node{ID: "n1", NodeType: "text", Content: "before"}, node.ViewerSource("test"), storeOptsSkip())

	resp, updated := doJSON(t, http.MethodPatch, srv.URL+"/api/nodes/n1", map[string]any{
		"changes": map[string]any{"content": "after"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "after", updated["content"])
	assert.Equal(t, float64(2), updated["version"])
}

func TestUpdateNode_UnknownNode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/api/nodes/ghost", map[string]any{
		"changes": map[string]any{"content": "x"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteNode(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	svc.CreateNode(&node.Node{ID: "n1", NodeType: "text", Content: "x"}, node.ViewerSource("test"), storeOptsSkip())

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/nodes/n1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, svc.Store().Get("n1"))
}

func TestGetChildren(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	svc.CreateNode(&node.Node{ID: "root", NodeType: "text", Content: "r"}, node.ViewerSource("test"), storeOptsSkip())
	svc.CreateNode(&node.Node{ID: "kid", NodeType: "text", Content: "k", ParentID: "root"}, node.ViewerSource("test"), storeOptsSkip())

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/nodes/root/children", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	children := body["children"].([]any)
	require.Len(t, children, 1)
	assert.Equal(t, "kid", children[0].(map[string]any)["id"])
}

func TestBatchEndpoints(t *testing.T) {
	srv, svc, repo := newTestServer(t)
	seedViaRepo(t, svc, repo, &node.Node{ID: "n1", NodeType: "text", Content: "plain", Version: 1})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/nodes/n1/batch", map[string]any{
		"changes": map[string]any{"content": "1. plain"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/nodes/n1/batch", map[string]any{
		"changes": map[string]any{"nodeType": "ordered-list"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, commit := doJSON(t, http.MethodPost, srv.URL+"/api/nodes/n1/batch/commit", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, commit["persisted"])

	require.Eventually(t, func() bool {
		stored, err := repo.GetNode(context.Background(), "n1")
		return err == nil && stored.NodeType == "ordered-list" && stored.Content == "1. plain"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForPersistenceEndpoint(t *testing.T) {
	srv, svc, repo := newTestServer(t)
	_, handle := svc.CreateNode(&node.Node{ID: "n1", NodeType: "text", Content: "body"}, node.ViewerSource("test"), storeOpts())
	require.NotNil(t, handle)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/sync/wait", map[string]any{
		"nodeIds":   []string{"n1"},
		"timeoutMs": 2000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["failed"])
	assert.True(t, repo.Has("n1"))
}

func TestLoadContainerEndpoint(t *testing.T) {
	srv, _, repo := newTestServer(t)
	_, err := repo.CreateNode(context.Background(), &node.Node{ID: "doc", NodeType: "text", Content: "d", Version: 1})
	require.NoError(t, err)
	_, err = repo.CreateNode(context.Background(), &node.Node{ID: "row", NodeType: "text", Content: "r", ContainerNodeID: "doc", Version: 1})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/containers/doc/load", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["loaded"])
}
