// Package rest exposes the synchronization core over HTTP for embedding
// hosts and operational tooling.
package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"treedoc-backend/internal/coordinator"
	"treedoc-backend/internal/domain/node"
	syncsvc "treedoc-backend/internal/service/sync"
	"treedoc-backend/internal/store"
	"treedoc-backend/pkg/errors"
)

// Handler routes HTTP requests into the sync service.
type Handler struct {
	svc      *syncsvc.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *syncsvc.Service, logger *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger.Named("http"),
	}
}

// Router builds the chi router for the service.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", h.CreateNode)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", h.GetNode)
				r.Patch("/", h.UpdateNode)
				r.Delete("/", h.DeleteNode)
				r.Get("/children", h.GetChildren)
				r.Get("/status", h.GetOperationStatus)
				r.Route("/batch", func(r chi.Router) {
					r.Post("/", h.AddToBatch)
					r.Post("/commit", h.CommitBatch)
					r.Delete("/", h.CancelBatch)
				})
			})
		})
		r.Post("/containers/{containerID}/load", h.LoadContainer)
		r.Post("/sync/wait", h.WaitForPersistence)
	})
	return r
}

// nodeResponse is the wire shape of a node.
type nodeResponse struct {
	ID              string         `json:"id"`
	NodeType        string         `json:"nodeType"`
	Content         string         `json:"content"`
	Properties      map[string]any `json:"properties,omitempty"`
	ParentID        string         `json:"parentId,omitempty"`
	BeforeSiblingID string         `json:"beforeSiblingId,omitempty"`
	ContainerNodeID string         `json:"containerNodeId,omitempty"`
	Version         int            `json:"version"`
	ModifiedAt      time.Time      `json:"modifiedAt"`
	Mentions        []string       `json:"mentions,omitempty"`
}

func toNodeResponse(n *node.Node) nodeResponse {
	return nodeResponse{
		ID:              n.ID,
		NodeType:        n.NodeType,
		Content:         n.Content,
		Properties:      n.Properties,
		ParentID:        n.ParentID,
		BeforeSiblingID: n.BeforeSiblingID,
		ContainerNodeID: n.ContainerNodeID,
		Version:         n.Version,
		ModifiedAt:      n.ModifiedAt,
		Mentions:        n.Mentions,
	}
}

// changesRequest is the wire shape of a partial change set.
type changesRequest struct {
	Content         *string        `json:"content"`
	NodeType        *string        `json:"nodeType"`
	ParentID        *string        `json:"parentId"`
	BeforeSiblingID *string        `json:"beforeSiblingId"`
	ContainerNodeID *string        `json:"containerNodeId"`
	Properties      map[string]any `json:"properties"`
	Mentions        []string       `json:"mentions"`
	HasMentions     bool           `json:"hasMentions"`
}

func (c changesRequest) toChanges() node.Changes {
	return node.Changes{
		Content:         c.Content,
		NodeType:        c.NodeType,
		ParentID:        c.ParentID,
		BeforeSiblingID: c.BeforeSiblingID,
		ContainerNodeID: c.ContainerNodeID,
		Properties:      c.Properties,
		Mentions:        c.Mentions,
		HasMentions:     c.HasMentions || len(c.Mentions) > 0,
	}
}

type createNodeRequest struct {
	ID              string         `json:"id"`
	NodeType        string         `json:"nodeType" validate:"required"`
	Content         string         `json:"content"`
	Properties      map[string]any `json:"properties"`
	ParentID        string         `json:"parentId"`
	BeforeSiblingID string         `json:"beforeSiblingId"`
	ContainerNodeID string         `json:"containerNodeId"`
	Source          string         `json:"source" validate:"omitempty,oneof=viewer database mcp-server external"`
	SkipPersistence bool           `json:"skipPersistence"`
}

type updateNodeRequest struct {
	Changes         changesRequest `json:"changes"`
	Source          string         `json:"source" validate:"omitempty,oneof=viewer database mcp-server external"`
	BasedOnVersion  int            `json:"basedOnVersion"`
	Strategy        string         `json:"strategy" validate:"omitempty,oneof=last-write-wins field-merge operational-transform manual"`
	SkipPersistence bool           `json:"skipPersistence"`
	Immediate       bool           `json:"immediate"`
}

type waitRequest struct {
	NodeIDs   []string `json:"nodeIds" validate:"required,min=1"`
	TimeoutMS int      `json:"timeoutMs" validate:"omitempty,gte=0"`
}

func sourceFromRequest(kind string) node.Source {
	switch kind {
	case "database":
		return node.DatabaseSource()
	case "mcp-server":
		return node.MCPSource("api")
	case "external":
		return node.ExternalSource("api")
	default:
		return node.ViewerSource("api")
	}
}

// Health reports liveness plus a pending-operation count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"nodes":   h.svc.Store().Len(),
		"pending": h.svc.PendingCount(),
	})
}

// CreateNode adds a node and schedules its first durable write.
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	n := &node.Node{
		ID:              req.ID,
		NodeType:        req.NodeType,
		Content:         req.Content,
		Properties:      req.Properties,
		ParentID:        req.ParentID,
		BeforeSiblingID: req.BeforeSiblingID,
		ContainerNodeID: req.ContainerNodeID,
	}
	stored, _ := h.svc.CreateNode(n, sourceFromRequest(req.Source), store.UpdateOptions{
		SkipPersistence: req.SkipPersistence,
	})
	h.respond(w, http.StatusCreated, toNodeResponse(stored))
}

// GetNode returns the current state of a node.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, toNodeResponse(n))
}

// UpdateNode applies a partial change set.
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req updateNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	opts := store.UpdateOptions{
		SkipPersistence: req.SkipPersistence,
		Strategy:        req.Strategy,
		BasedOnVersion:  req.BasedOnVersion,
	}
	if req.Immediate {
		opts.Mode = coordinator.ModeImmediate
	}
	n := h.svc.ApplyUpdate(nodeID, req.Changes.toChanges(), sourceFromRequest(req.Source), opts)
	if n == nil {
		h.respondError(w, errors.NewNotFound("node "+nodeID+" not found"))
		return
	}
	h.respond(w, http.StatusOK, toNodeResponse(n))
}

// DeleteNode removes a node.
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	h.svc.DeleteNode(nodeID, node.ViewerSource("api"), store.UpdateOptions{})
	w.WriteHeader(http.StatusNoContent)
}

// GetChildren lists a node's children from the hierarchy index.
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	children := h.svc.Children(chi.URLParam(r, "nodeID"))
	out := make([]nodeResponse, 0, len(children))
	for _, c := range children {
		out = append(out, toNodeResponse(c))
	}
	h.respond(w, http.StatusOK, map[string]any{"children": out})
}

// GetOperationStatus reports a node's persistence status.
func (h *Handler) GetOperationStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	status, ok := h.svc.OperationStatus(nodeID)
	if !ok {
		h.respondError(w, errors.NewNotFound("no tracked operation for node "+nodeID))
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"nodeId": nodeID, "status": status})
}

// AddToBatch folds a change set into the node's batch, starting one when
// none is active.
func (h *Handler) AddToBatch(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req updateNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.svc.AddToBatch(nodeID, req.Changes.toChanges(), sourceFromRequest(req.Source))
	h.respond(w, http.StatusAccepted, map[string]any{"nodeId": nodeID, "batched": true})
}

// CommitBatch flushes the node's batch to the backend.
func (h *Handler) CommitBatch(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	handle := h.svc.CommitBatch(nodeID)
	h.respond(w, http.StatusAccepted, map[string]any{
		"nodeId":    nodeID,
		"persisted": handle != nil,
	})
}

// CancelBatch discards the node's batch without persisting.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	h.svc.CancelBatch(chi.URLParam(r, "nodeID"))
	w.WriteHeader(http.StatusNoContent)
}

// LoadContainer hydrates a container's nodes from the backend.
func (h *Handler) LoadContainer(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	loaded, err := h.svc.LoadContainer(r.Context(), containerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"containerId": containerID, "loaded": loaded})
}

// WaitForPersistence blocks until the named nodes are durable or the
// timeout lapses, reporting the ids that did not make it.
func (h *Handler) WaitForPersistence(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if !h.decode(w, r, &req) {
		return
	}
	timeout := 5 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	failed := h.svc.WaitForPersistence(r.Context(), req.NodeIDs, timeout)
	h.respond(w, http.StatusOK, map[string]any{
		"requested": len(req.NodeIDs),
		"failed":    failed,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, errors.NewValidation("invalid request body: "+err.Error()))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, errors.NewValidation(err.Error()))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsConflict(err):
		status = http.StatusConflict
	case errors.IsCancelled(err):
		status = http.StatusConflict
	case errors.IsPersistence(err):
		status = http.StatusBadGateway
	}
	h.respond(w, status, map[string]any{"error": err.Error()})
}
