package rects

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/caselens/viewercore/internal/search"
	"github.com/caselens/viewercore/internal/textnorm"
	"github.com/caselens/viewercore/pkg/metrics"
)

// candidate is one occurrence of the query found inside a single span, with
// its bounding rectangle read from the rendered range.
type candidate struct {
	text string
	rect ViewportRect
	used bool
}

// Resolver assigns highlight rectangles to the committed results of one page.
// Results and spans are matched greedily in page order: an unused candidate
// whose raw text equals the result's stored match text is preferred, then the
// first unused candidate. Identical short phrases clustered on one page can
// therefore swap rectangles between equal matches; the rendered highlight is
// still correct text.
type Resolver struct {
	provider TextLayerProvider
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	memoKey  string
	memoRect map[int][]search.Rect
}

func NewResolver(provider TextLayerProvider, m *metrics.Metrics) *Resolver {
	return &Resolver{
		provider: provider,
		metrics:  m,
		logger:   slog.Default().With("component", "rect-resolver"),
	}
}

// ResolvePage resolves rectangles for every result on pageNumber. It returns
// a map from MatchIndex to page-local unscaled rectangles, plus whether the
// map differs from the previous resolution. Results whose text cannot be
// located keep no entry; that is a degradation, not an error. The only error
// returned is a failure to obtain the text layer at all.
func (r *Resolver) ResolvePage(ctx context.Context, pageNumber int, zoom float64, query string, opts search.Options, results []search.Result) (map[int][]search.Rect, bool, error) {
	key := memoKey(pageNumber, zoom, query, opts, results)
	r.mu.Lock()
	if key == r.memoKey {
		memo := r.memoRect
		r.mu.Unlock()
		return memo, false, nil
	}
	r.mu.Unlock()

	handle, err := r.provider.WaitForPage(ctx, pageNumber)
	if err != nil {
		r.missAll(pageNumber, results)
		return nil, false, err
	}

	pool := r.buildPool(handle, query, opts)
	originX, originY := handle.Origin()
	if zoom <= 0 {
		zoom = 1
	}

	resolved := make(map[int][]search.Rect)
	for _, result := range results {
		if result.GlobalPageNumber != pageNumber {
			continue
		}
		c := claim(pool, result.MatchText)
		if c == nil {
			if r.metrics != nil {
				r.metrics.RectMissesTotal.Inc()
			}
			r.logger.Debug("no rect for result",
				"page", pageNumber, "match_index", result.MatchIndex)
			continue
		}
		resolved[result.MatchIndex] = []search.Rect{{
			X:      (c.rect.X - originX) / zoom,
			Y:      (c.rect.Y - originY) / zoom,
			Width:  c.rect.Width / zoom,
			Height: c.rect.Height / zoom,
		}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !rectMapsEqual(resolved, r.memoRect)
	r.memoKey = key
	if changed {
		r.memoRect = resolved
	}
	return r.memoRect, changed, nil
}

// buildPool scans every span for occurrences of the query, translated back
// to exact source rune ranges so the rendered range covers the original
// (possibly accented) text.
func (r *Resolver) buildPool(handle TextLayerHandle, query string, opts search.Options) []*candidate {
	fold := textnorm.Options{KeepCase: opts.MatchCase, KeepDiacritics: opts.MatchDiacritics}
	needle := []rune(textnorm.Fold(query, fold))
	if len(needle) == 0 {
		return nil
	}

	var pool []*candidate
	for _, span := range handle.Spans() {
		raw := span.Text()
		nt := textnorm.FoldWithMap(raw, fold)
		hay := []rune(nt.Normalized)
		srcRunes := []rune(raw)

		for i := 0; i+len(needle) <= len(hay); {
			if string(hay[i:i+len(needle)]) != string(needle) {
				i++
				continue
			}
			srcStart, srcEnd := nt.SourceRange(i, i+len(needle))
			if srcStart != srcEnd {
				if rect, ok := span.RangeRect(srcStart, srcEnd); ok && rect.Width > 0 {
					pool = append(pool, &candidate{
						text: string(srcRunes[srcStart:srcEnd]),
						rect: rect,
					})
				}
			}
			i += len(needle)
		}
	}
	return pool
}

func (r *Resolver) missAll(pageNumber int, results []search.Result) {
	for _, result := range results {
		if result.GlobalPageNumber != pageNumber {
			continue
		}
		if r.metrics != nil {
			r.metrics.RectMissesTotal.Inc()
		}
	}
}

// claim picks the first unused candidate matching text exactly, falling back
// to the first unused candidate of any text.
func claim(pool []*candidate, text string) *candidate {
	var fallback *candidate
	for _, c := range pool {
		if c.used {
			continue
		}
		if c.text == text {
			c.used = true
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback != nil {
		fallback.used = true
	}
	return fallback
}

// memoKey fingerprints a resolution request. The result-set component hashes
// each on-page result's content, not just the count: match indices are dense
// 0..N-1, so a replaced set of equal size is only told apart by its offsets
// and text.
func memoKey(pageNumber int, zoom float64, query string, opts search.Options, results []search.Result) string {
	h := fnv.New64a()
	for _, result := range results {
		if result.GlobalPageNumber != pageNumber {
			continue
		}
		fmt.Fprintf(h, "%d:%d:%d:%s;", result.MatchIndex, result.MatchStart, result.MatchEnd, result.MatchText)
	}
	return fmt.Sprintf("%d|%.4f|%s|%v|%v|%v|%x",
		pageNumber, zoom, query, opts.MatchCase, opts.MatchWholeWord, opts.MatchDiacritics,
		h.Sum64())
}

func rectMapsEqual(a, b map[int][]search.Rect) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
