// Package api exposes the viewer engine over HTTP: document set lifecycle,
// search, navigation, rotation, rect resolution, and a websocket stream of
// indexing progress.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/geometry"
	"github.com/caselens/viewercore/internal/rects"
	"github.com/caselens/viewercore/internal/search"
	"github.com/caselens/viewercore/internal/viewerstate"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/logger"
)

// Handler serves the viewer engine API.
type Handler struct {
	store    *viewerstate.Store
	resolver *rects.Resolver
	registry *rects.LayerRegistry
	geometry *geometry.Index
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(store *viewerstate.Store, resolver *rects.Resolver, registry *rects.LayerRegistry, geo *geometry.Index) *Handler {
	return &Handler{
		store:    store,
		resolver: resolver,
		registry: registry,
		geometry: geo,
		logger:   logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type openRequest struct {
	ViewerID  string                `json:"viewer_id"`
	Documents []docset.DocumentInfo `json:"documents"`
	PageSizes []geometry.PageSize   `json:"page_sizes"`
}

// OpenDocuments installs a new document set and starts indexing.
func (h *Handler) OpenDocuments(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		h.writeError(w, http.StatusBadRequest, "documents are required")
		return
	}
	r = r.WithContext(logger.WithViewerID(r.Context(), req.ViewerID))
	if err := h.store.Open(r.Context(), req.ViewerID, req.Documents, req.PageSizes); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if h.registry != nil {
		h.registry.Clear()
	}
	logger.FromContext(r.Context()).Info("documents opened",
		"documents", len(req.Documents))
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// CloseViewer tears the viewer down; pending rotation edits are flushed.
func (h *Handler) CloseViewer(w http.ResponseWriter, r *http.Request) {
	h.store.Close()
	w.WriteHeader(http.StatusNoContent)
}

// GetState returns the current state snapshot.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

type searchRequest struct {
	Query   string         `json:"query"`
	Options search.Options `json:"options"`
}

type searchResponse struct {
	Results      []search.Result `json:"results"`
	CurrentIndex int             `json:"current_index"`
}

// Search commits a query and returns the ordered result set.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	results, err := h.store.Search(r.Context(), req.Query, req.Options)
	if errors.Is(err, errs.ErrStaleResponse) {
		// A newer query superseded this one while it ran. The discard is
		// silent; answer with whatever that newer query committed.
		snap := h.store.Snapshot()
		h.writeJSON(w, http.StatusOK, searchResponse{Results: snap.Results, CurrentIndex: snap.CurrentIndex})
		return
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	snap := h.store.Snapshot()
	logger.FromContext(r.Context()).Info("search committed",
		"results", len(results))
	h.writeJSON(w, http.StatusOK, searchResponse{Results: results, CurrentIndex: snap.CurrentIndex})
}

type navigateResponse struct {
	Result search.Result `json:"result"`
}

// NextResult advances to the next match and jumps the viewer to its page.
func (h *Handler) NextResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.store.NextResult()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no committed results")
		return
	}
	h.writeJSON(w, http.StatusOK, navigateResponse{Result: result})
}

// PrevResult steps back to the previous match.
func (h *Handler) PrevResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.store.PrevResult()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no committed results")
		return
	}
	h.writeJSON(w, http.StatusOK, navigateResponse{Result: result})
}

type jumpRequest struct {
	MatchIndex int `json:"match_index"`
}

// JumpToResult moves directly to the match with the given index.
func (h *Handler) JumpToResult(w http.ResponseWriter, r *http.Request) {
	var req jumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, ok := h.store.JumpToResult(req.MatchIndex)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no result with that match index")
		return
	}
	h.writeJSON(w, http.StatusOK, navigateResponse{Result: result})
}

type textLayerRequest struct {
	Page  int             `json:"page"`
	Layer rects.WireLayer `json:"layer"`
}

// SetTextLayer installs the rendering client's text layer snapshot for a
// page, waking any rect resolution parked on it.
func (h *Handler) SetTextLayer(w http.ResponseWriter, r *http.Request) {
	var req textLayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Page < 1 {
		h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	if h.registry == nil {
		h.writeAppError(w, r, errs.New(errs.ErrUnavailable, http.StatusConflict, "no layer registry configured"))
		return
	}
	h.registry.SetLayer(req.Page, req.Layer)
	w.WriteHeader(http.StatusNoContent)
}

// ResolveRects resolves highlight rectangles for the committed results on
// one page.
func (h *Handler) ResolveRects(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}

	snap := h.store.Snapshot()
	resolved, changed, err := h.resolver.ResolvePage(r.Context(), page, snap.Zoom, snap.Query, snap.Options, snap.Results)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"page":    page,
		"changed": changed,
		"rects":   resolved,
	})
}

type pageRequest struct {
	Page int `json:"page"`
}

// GoToPage jumps the viewer to a page.
func (h *Handler) GoToPage(w http.ResponseWriter, r *http.Request) {
	var req pageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.GoToPage(req.Page); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// CenteredPage maps a scroll position to the centered page and syncs the
// viewer to it.
func (h *Handler) CenteredPage(w http.ResponseWriter, r *http.Request) {
	scrollTop, err1 := strconv.ParseFloat(r.URL.Query().Get("scroll_top"), 64)
	viewport, err2 := strconv.ParseFloat(r.URL.Query().Get("viewport_height"), 64)
	if err1 != nil || err2 != nil || viewport <= 0 {
		h.writeError(w, http.StatusBadRequest, "scroll_top and viewport_height are required")
		return
	}
	page := h.store.SyncPageFromScroll(scrollTop, viewport)
	h.writeJSON(w, http.StatusOK, map[string]int{"page": page})
}

// Layout returns the scroll offset of one page and the total scroll height,
// both at the current zoom, so the shell can position its viewport.
func (h *Handler) Layout(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	top, ok := h.geometry.PageTop(page)
	if !ok {
		h.writeAppError(w, r, errs.Newf(errs.ErrPageNotFound, http.StatusNotFound, "page %d out of range", page))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]float64{
		"page_top":     top,
		"total_height": h.geometry.TotalHeight(),
	})
}

type zoomRequest struct {
	Zoom float64 `json:"zoom"`
}

// SetZoom updates the zoom scale.
func (h *Handler) SetZoom(w http.ResponseWriter, r *http.Request) {
	var req zoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetZoom(req.Zoom); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

type rotateRequest struct {
	Page    int `json:"page"`
	Degrees int `json:"degrees"`
}

// Rotate records a page rotation; persistence is debounced behind the scenes.
func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetRotation(req.Page, req.Degrees); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// Progress streams indexing progress over a websocket until indexing
// completes or the client goes away.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.store.SubscribeProgress()
	defer unsubscribe()

	// Send the current progress immediately so late subscribers are not
	// stuck waiting for the next slice.
	if err := conn.WriteJSON(h.store.Snapshot().IndexProgress); err != nil {
		return
	}
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
			if p.Total > 0 && p.Current == p.Total {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatusCode(err)
	logger.FromContext(r.Context()).Warn("request failed",
		"path", r.URL.Path, "status", status, "error", err)
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
