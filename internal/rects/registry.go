package rects

import (
	"context"
	"sync"
)

// WireSpan is one text run of a page's text layer as published by the
// rendering client. Its bounding box is in viewport pixels; rune ranges are
// interpolated proportionally across the box width, which matches how the
// renderer lays out a single run.
type WireSpan struct {
	SpanText string  `json:"text"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

func (s WireSpan) Text() string {
	return s.SpanText
}

func (s WireSpan) RangeRect(startRune, endRune int) (ViewportRect, bool) {
	runes := []rune(s.SpanText)
	n := len(runes)
	if n == 0 || startRune < 0 || endRune > n || startRune >= endRune {
		return ViewportRect{}, false
	}
	per := s.Width / float64(n)
	return ViewportRect{
		X:      s.X + per*float64(startRune),
		Y:      s.Y,
		Width:  per * float64(endRune-startRune),
		Height: s.Height,
	}, true
}

// WireLayer is a page's text layer snapshot as published by the rendering
// client: the layer origin in viewport pixels plus its spans in reading
// order.
type WireLayer struct {
	OriginX float64    `json:"origin_x"`
	OriginY float64    `json:"origin_y"`
	Spans   []WireSpan `json:"spans"`
}

type wireHandle struct {
	layer WireLayer
}

func (h wireHandle) Spans() []Span {
	spans := make([]Span, len(h.layer.Spans))
	for i, s := range h.layer.Spans {
		spans[i] = s
	}
	return spans
}

func (h wireHandle) Origin() (x, y float64) {
	return h.layer.OriginX, h.layer.OriginY
}

// LayerRegistry is the production Surface: the rendering client publishes
// text layer snapshots for the pages it has mounted, and resolution reads
// them back. Publishing a layer wakes any resolver parked on that page's
// span notification.
type LayerRegistry struct {
	mu      sync.Mutex
	layers  map[int]WireLayer
	waiters map[int][]chan struct{}
}

func NewLayerRegistry() *LayerRegistry {
	return &LayerRegistry{
		layers:  make(map[int]WireLayer),
		waiters: make(map[int][]chan struct{}),
	}
}

// SetLayer installs or replaces the text layer for a page and signals
// waiters. An empty span list still marks the container as mounted.
func (r *LayerRegistry) SetLayer(pageNumber int, layer WireLayer) {
	r.mu.Lock()
	r.layers[pageNumber] = layer
	waiters := r.waiters[pageNumber]
	delete(r.waiters, pageNumber)
	r.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// ClearPage drops a page's layer, e.g. when the renderer unmounts it.
func (r *LayerRegistry) ClearPage(pageNumber int) {
	r.mu.Lock()
	delete(r.layers, pageNumber)
	r.mu.Unlock()
}

// Clear drops every layer; used when the document set changes.
func (r *LayerRegistry) Clear() {
	r.mu.Lock()
	r.layers = make(map[int]WireLayer)
	r.mu.Unlock()
}

func (r *LayerRegistry) PageContainer(pageNumber int) (TextLayerHandle, bool) {
	r.mu.Lock()
	layer, ok := r.layers[pageNumber]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return wireHandle{layer: layer}, true
}

// NotifySpans returns a channel closed when the page's layer is next
// published. Abandoned waiters are dropped lazily on the following publish.
func (r *LayerRegistry) NotifySpans(_ context.Context, pageNumber int) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[pageNumber] = append(r.waiters[pageNumber], ch)
	r.mu.Unlock()
	return ch
}
