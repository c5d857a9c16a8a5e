// Package rects maps committed search results to highlight rectangles on the
// rendered page. The rendering surface is external and mounts its text layer
// at an unknown time relative to a page becoming current, so resolution waits
// for the layer with bounded retries before scanning its spans.
package rects

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/metrics"
)

// ViewportRect is a rectangle in viewport pixels, as read from the rendering
// surface before conversion to page-local units.
type ViewportRect struct {
	X, Y, Width, Height float64
}

// Span is one text-bearing run of the rendered text layer. RangeRect returns
// the bounding rectangle of the rune range [startRune, endRune) within the
// span's text, in viewport pixels.
type Span interface {
	Text() string
	RangeRect(startRune, endRune int) (ViewportRect, bool)
}

// TextLayerHandle is a mounted text layer for one page: its spans in reading
// order and its own origin in viewport pixels.
type TextLayerHandle interface {
	Spans() []Span
	Origin() (x, y float64)
}

// Surface is the rendering collaborator. PageContainer returns the page's
// text layer if the page container is mounted; the layer may still have zero
// spans while the renderer populates it.
type Surface interface {
	PageContainer(pageNumber int) (TextLayerHandle, bool)
}

// SpanNotifier is an optional Surface capability: a one-shot signal that
// fires once spans appear in a mounted but still empty page container.
// Surfaces without it are simply polled.
type SpanNotifier interface {
	NotifySpans(ctx context.Context, pageNumber int) <-chan struct{}
}

// TextLayerProvider hands out the text layer for a page, waiting for it to
// mount and populate. Production providers poll the live surface; test
// providers resolve synchronously from fixtures.
type TextLayerProvider interface {
	WaitForPage(ctx context.Context, pageNumber int) (TextLayerHandle, error)
}

// PollingProvider polls a Surface on a frame interval, up to a bounded number
// of attempts, and uses the surface's span notifier when the container is
// mounted but unpopulated.
type PollingProvider struct {
	surface Surface
	cfg     config.ResolverConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewPollingProvider(surface Surface, cfg config.ResolverConfig, m *metrics.Metrics) *PollingProvider {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 12
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 16 * time.Millisecond
	}
	return &PollingProvider{
		surface: surface,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "text-layer-provider"),
	}
}

// WaitForPage polls until the page's text layer is mounted and has spans.
// The attempt bound keeps image-only pages, which never grow spans, from
// being polled forever.
func (p *PollingProvider) WaitForPage(ctx context.Context, pageNumber int) (TextLayerHandle, error) {
	notifier, _ := p.surface.(SpanNotifier)

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if p.metrics != nil {
			p.metrics.RectAttemptsTotal.Inc()
		}
		handle, mounted := p.surface.PageContainer(pageNumber)
		if mounted && len(handle.Spans()) > 0 {
			return handle, nil
		}

		var notify <-chan struct{}
		if mounted && notifier != nil {
			notify = notifier.NotifySpans(ctx, pageNumber)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
			if handle, mounted := p.surface.PageContainer(pageNumber); mounted && len(handle.Spans()) > 0 {
				return handle, nil
			}
		case <-time.After(p.cfg.FrameInterval):
		}
	}
	p.logger.Debug("text layer never populated", "page", pageNumber, "attempts", p.cfg.MaxAttempts)
	return nil, fmt.Errorf("page %d: %w", pageNumber, errs.ErrRectMiss)
}
