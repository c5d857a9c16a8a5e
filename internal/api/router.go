package api

import (
	"net/http"
	"time"

	"github.com/caselens/viewercore/pkg/config"
	"github.com/caselens/viewercore/pkg/health"
	"github.com/caselens/viewercore/pkg/metrics"
	"github.com/caselens/viewercore/pkg/middleware"
)

// NewRouter builds the engine's HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST   /v1/documents        → open a document set, start indexing
//	DELETE /v1/documents        → close the viewer
//	GET    /v1/state            → state snapshot
//	POST   /v1/search           → commit a query
//	POST   /v1/search/next      → jump to the next match
//	POST   /v1/search/prev      → jump to the previous match
//	POST   /v1/search/jump      → jump to a match by index
//	PUT    /v1/text-layer       → publish a page's rendered text layer
//	GET    /v1/rects            → highlight rects for one page
//	POST   /v1/page             → go to a page
//	GET    /v1/centered-page    → scroll position → centered page
//	GET    /v1/layout           → page scroll offset + total height
//	POST   /v1/zoom             → set zoom
//	POST   /v1/rotate           → rotate a page (debounced persistence)
//	GET    /v1/progress         → indexing progress (websocket)
//	GET    /healthz             → liveness
//	GET    /readyz              → readiness
//
// Middleware chain (outermost first): RequestID → RateLimit → Metrics →
// Timeout → mux. The progress websocket bypasses the timeout so the stream
// can outlive it.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, cfg config.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/documents", h.OpenDocuments)
	mux.HandleFunc("DELETE /v1/documents", h.CloseViewer)
	mux.HandleFunc("GET /v1/state", h.GetState)

	mux.HandleFunc("POST /v1/search", h.Search)
	mux.HandleFunc("POST /v1/search/next", h.NextResult)
	mux.HandleFunc("POST /v1/search/prev", h.PrevResult)
	mux.HandleFunc("POST /v1/search/jump", h.JumpToResult)
	mux.HandleFunc("PUT /v1/text-layer", h.SetTextLayer)
	mux.HandleFunc("GET /v1/rects", h.ResolveRects)

	mux.HandleFunc("POST /v1/page", h.GoToPage)
	mux.HandleFunc("GET /v1/centered-page", h.CenteredPage)
	mux.HandleFunc("GET /v1/layout", h.Layout)
	mux.HandleFunc("POST /v1/zoom", h.SetZoom)
	mux.HandleFunc("POST /v1/rotate", h.Rotate)

	mux.HandleFunc("GET /healthz", checker.LiveHandler())
	mux.HandleFunc("GET /readyz", checker.ReadyHandler())

	requestTimeout := cfg.WriteTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	var chain http.Handler = mux
	chain = middleware.Timeout(requestTimeout)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	if cfg.RateLimitPerMinute > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
		chain = middleware.RateLimit(limiter)(chain)
	}
	chain = middleware.RequestID()(chain)

	// Long-lived websocket outside the timeout middleware.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /v1/progress", h.Progress)
	outer.Handle("/", chain)
	return outer
}
