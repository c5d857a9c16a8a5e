package rects

import (
	"context"
	"fmt"

	errs "github.com/caselens/viewercore/pkg/errors"
)

// FixtureSpan is an in-memory Span with monospace geometry, for tests and
// local tooling that have no real rendering surface.
type FixtureSpan struct {
	SpanText   string
	X, Y       float64
	CharWidth  float64
	LineHeight float64
}

func (s FixtureSpan) Text() string { return s.SpanText }

func (s FixtureSpan) RangeRect(startRune, endRune int) (ViewportRect, bool) {
	n := len([]rune(s.SpanText))
	if startRune < 0 || endRune > n || startRune >= endRune {
		return ViewportRect{}, false
	}
	return ViewportRect{
		X:      s.X + float64(startRune)*s.CharWidth,
		Y:      s.Y,
		Width:  float64(endRune-startRune) * s.CharWidth,
		Height: s.LineHeight,
	}, true
}

// FixtureLayer is a synchronously available text layer.
type FixtureLayer struct {
	OriginX, OriginY float64
	PageSpans        []Span
}

func (l *FixtureLayer) Spans() []Span { return l.PageSpans }

func (l *FixtureLayer) Origin() (float64, float64) { return l.OriginX, l.OriginY }

// FixtureProvider resolves text layers synchronously from a page map.
type FixtureProvider struct {
	Layers map[int]*FixtureLayer
}

func (p *FixtureProvider) WaitForPage(ctx context.Context, pageNumber int) (TextLayerHandle, error) {
	if layer, ok := p.Layers[pageNumber]; ok {
		return layer, nil
	}
	return nil, fmt.Errorf("page %d: %w", pageNumber, errs.ErrRectMiss)
}
