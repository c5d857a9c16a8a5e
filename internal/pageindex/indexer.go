// Package pageindex builds and owns the per-page normalized text caches the
// search pipeline scans. Indexing runs in small cooperative slices on a
// background goroutine: after each slice it reports progress, checks for
// cancellation, and parks on a timer so it never monopolizes the process.
// Page texts are short, so a full-page substring cache is kept per page; no
// positional inverted index is needed.
package pageindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/extraction"
	"github.com/caselens/viewercore/internal/textnorm"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/metrics"
)

// Progress reports how far an indexing run has advanced. Total is the size
// of the global page space of the current document set.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// PageEntry is one indexed page: the raw extracted text plus its normalized
// form with the index map back into the raw text.
type PageEntry struct {
	Raw        string
	Normalized textnorm.NormalizedText
}

// Indexer lazily builds normalized caches for every page of the open
// document set. Caches live until the document set changes or the viewer
// closes; a change bumps the generation so slices from a superseded run are
// dropped rather than merged.
type Indexer struct {
	cache   extraction.Cache
	cfg     config.IndexerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.RWMutex
	set        *docset.Set
	generation uint64
	pages      map[int]PageEntry
	indexed    *roaring.Bitmap
	running    bool
	cancel     context.CancelFunc
}

// New creates an Indexer over the given extraction cache. m may be nil.
func New(cache extraction.Cache, cfg config.IndexerConfig, m *metrics.Metrics) *Indexer {
	if cfg.SliceSize <= 0 {
		cfg.SliceSize = 8
	}
	return &Indexer{
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "page-indexer"),
		pages:   make(map[int]PageEntry),
		indexed: roaring.New(),
	}
}

// SetDocuments replaces the open document set. All caches are discarded and
// any in-flight run is cancelled; the next Start indexes from scratch.
func (ix *Indexer) SetDocuments(set *docset.Set) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.generation++
	ix.set = set
	ix.pages = make(map[int]PageEntry)
	ix.indexed = roaring.New()
	if ix.cancel != nil {
		ix.cancel()
		ix.cancel = nil
	}
	ix.running = false
}

// Start launches a cooperative indexing run unless one is already in flight
// or the set is fully indexed. onProgress is invoked after every slice; it
// may be nil. The run stops when ctx is cancelled, the set changes, or all
// pages are processed.
func (ix *Indexer) Start(ctx context.Context, onProgress func(Progress)) {
	ix.mu.Lock()
	if ix.set == nil || ix.running || int(ix.indexed.GetCardinality()) >= ix.set.TotalPages() {
		ix.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.running = true
	gen := ix.generation
	set := ix.set
	ix.mu.Unlock()

	go ix.run(runCtx, gen, set, onProgress)
}

// Stop cancels the in-flight run, if any. Safe to call repeatedly; cached
// pages are kept (Stop is panel-close, not document-set change).
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cancel != nil {
		ix.cancel()
		ix.cancel = nil
	}
	ix.running = false
}

// Page returns the indexed entry for a global page number.
func (ix *Indexer) Page(globalPage int) (PageEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.pages[globalPage]
	return entry, ok
}

// Progress reports how many pages of the current set are indexed.
func (ix *Indexer) Progress() Progress {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	if ix.set != nil {
		total = ix.set.TotalPages()
	}
	return Progress{Current: int(ix.indexed.GetCardinality()), Total: total}
}

// IndexedPages returns a copy of the indexed global-page bitmap.
func (ix *Indexer) IndexedPages() *roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexed.Clone()
}

// DocumentFullyIndexed reports whether every page of the document has an
// entry. Pages that failed extraction count as covered: retrying them on
// every query would turn one bad page into a permanent remote fallback.
func (ix *Indexer) DocumentFullyIndexed(docID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.set == nil {
		return false
	}
	info, ok := ix.set.ByID(docID)
	if !ok || info.PageCountInDoc == 0 {
		return ok
	}
	for p := info.GlobalPageStart; p <= info.GlobalPageEnd; p++ {
		if !ix.indexed.ContainsInt(p) {
			return false
		}
	}
	return true
}

func (ix *Indexer) run(ctx context.Context, gen uint64, set *docset.Set, onProgress func(Progress)) {
	defer func() {
		ix.mu.Lock()
		if ix.generation == gen {
			ix.running = false
		}
		ix.mu.Unlock()
	}()

	total := set.TotalPages()
	ix.logger.Info("indexing started", "total_pages", total)

	for start := 1; start <= total; start += ix.cfg.SliceSize {
		if ctx.Err() != nil || ix.stale(gen) {
			ix.logger.Debug("indexing run cancelled", "at_page", start)
			return
		}

		sliceStart := time.Now()
		end := start + ix.cfg.SliceSize - 1
		if end > total {
			end = total
		}
		for page := start; page <= end; page++ {
			if ix.has(gen, page) {
				continue
			}
			entry, err := ix.indexPage(ctx, set, page)
			if err != nil {
				ix.logger.Warn("page skipped", "global_page", page, "error", err)
				if ix.metrics != nil {
					ix.metrics.IndexPagesSkipped.Inc()
				}
				ix.markIndexed(gen, page, PageEntry{}, false)
				continue
			}
			ix.markIndexed(gen, page, entry, true)
			if ix.metrics != nil {
				ix.metrics.PagesIndexedTotal.Inc()
			}
		}
		if ix.metrics != nil {
			ix.metrics.IndexSliceDuration.Observe(time.Since(sliceStart).Seconds())
		}
		if onProgress != nil && !ix.stale(gen) {
			onProgress(ix.Progress())
		}

		// Yield between slices. A zero SliceYield still relinquishes the
		// goroutine and re-checks cancellation before the next slice.
		select {
		case <-ctx.Done():
			return
		case <-time.After(ix.cfg.SliceYield):
		}
	}
	ix.logger.Info("indexing complete", "total_pages", total)
}

func (ix *Indexer) indexPage(ctx context.Context, set *docset.Set, globalPage int) (PageEntry, error) {
	docIndex, localPage, ok := set.Locate(globalPage)
	if !ok {
		return PageEntry{}, fmt.Errorf("%w: global page %d outside document set", errs.ErrIndexing, globalPage)
	}
	docID := set.Documents()[docIndex].DocumentID
	raw, found, err := ix.cache.PageText(ctx, docID, localPage)
	if err != nil {
		return PageEntry{}, fmt.Errorf("%w: extracting page %d of %s: %v", errs.ErrIndexing, localPage, docID, err)
	}
	if !found {
		return PageEntry{}, fmt.Errorf("%w: page %d of %s not extracted", errs.ErrIndexing, localPage, docID)
	}
	return PageEntry{Raw: raw, Normalized: textnorm.NormalizeWithMap(raw)}, nil
}

func (ix *Indexer) stale(gen uint64) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation != gen
}

func (ix *Indexer) has(gen uint64, page int) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation == gen && ix.indexed.ContainsInt(page)
}

// markIndexed records a processed page. withEntry is false for pages that
// failed extraction: they are covered (never retried) but hold no text.
func (ix *Indexer) markIndexed(gen uint64, page int, entry PageEntry, withEntry bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.generation != gen {
		return
	}
	ix.indexed.AddInt(page)
	if withEntry {
		ix.pages[page] = entry
	}
}
