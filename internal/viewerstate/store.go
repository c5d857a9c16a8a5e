// Package viewerstate is the single writer of viewer state: current page,
// zoom, rotations, committed search results, and the highlighted-page marker.
// Every deferred behavior (highlight auto-clear, page-sync suppression after
// a search jump, debounced rotation persistence) runs through one
// token-guarded scheduler, so a rescheduled action silently supersedes its
// predecessor instead of racing it.
package viewerstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/events"
	"github.com/caselens/viewercore/internal/geometry"
	"github.com/caselens/viewercore/internal/pageindex"
	"github.com/caselens/viewercore/internal/rotation"
	"github.com/caselens/viewercore/internal/search"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/metrics"
	"github.com/caselens/viewercore/pkg/sched"
)

const (
	keyHighlightClear = "highlight-clear"
	keyPageSync       = "page-sync-suppress"
	keyRotationFlush  = "rotation-flush"
	flushTimeout      = 10 * time.Second
)

// State is a read-only snapshot consumed by toolbars and forms outside this
// core.
type State struct {
	CurrentPage     int                `json:"current_page"`
	Zoom            float64            `json:"zoom"`
	Rotations       map[int]int        `json:"rotations"`
	Query           string             `json:"query"`
	Options         search.Options     `json:"options"`
	Results         []search.Result    `json:"results"`
	CurrentIndex    int                `json:"current_index"`
	HighlightedPage int                `json:"highlighted_page"`
	IndexProgress   pageindex.Progress `json:"index_progress"`
}

// Store owns all mutable viewer state.
type Store struct {
	cfg         config.ViewerConfig
	indexer     *pageindex.Indexer
	coordinator *search.Coordinator
	geometry    *geometry.Index
	rotations   rotation.Store
	collector   *events.Collector
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sched       *sched.Scheduler

	mu              sync.Mutex
	viewerID        string
	lifeCancel      context.CancelFunc
	set             *docset.Set
	currentPage     int
	zoom            float64
	rotationMap     map[int]int            // global page -> degrees
	pendingRot      map[string]map[int]int // document id -> local page -> degrees
	highlightedPage int
	suppressSync    bool

	progressMu   sync.Mutex
	progressSubs map[int]chan pageindex.Progress
	nextSub      int
}

// New wires a Store over its collaborators. collector and metrics may be
// nil; rotations may be a MemoryStore when persistence is unavailable.
func New(cfg config.ViewerConfig, indexer *pageindex.Indexer, coordinator *search.Coordinator, geo *geometry.Index, rotStore rotation.Store, collector *events.Collector, m *metrics.Metrics) *Store {
	return &Store{
		cfg:          cfg,
		indexer:      indexer,
		coordinator:  coordinator,
		geometry:     geo,
		rotations:    rotStore,
		collector:    collector,
		metrics:      m,
		logger:       slog.Default().With("component", "viewer-state"),
		sched:        sched.New(),
		zoom:         1,
		rotationMap:  make(map[int]int),
		pendingRot:   make(map[string]map[int]int),
		progressSubs: make(map[int]chan pageindex.Progress),
	}
}

// Open installs a new document set: indexing restarts from scratch, search
// state is dropped, persisted rotations are loaded, and the page geometry is
// rebuilt from the given sizes (one per global page). ctx bounds only the
// synchronous rotation fetches; indexing runs on a store-owned context that
// lives until Close or the next Open, so it survives the request that
// started it.
func (s *Store) Open(ctx context.Context, viewerID string, docs []docset.DocumentInfo, sizes []geometry.PageSize) error {
	set := docset.New(docs)

	s.sched.CancelAll()
	s.indexer.SetDocuments(set)
	s.coordinator.SetDocuments(set)
	s.geometry.SetPages(sizes)

	rotationMap := make(map[int]int)
	for _, doc := range set.Documents() {
		persisted, err := s.rotations.Fetch(ctx, doc.DocumentID)
		if err != nil {
			s.logger.Warn("rotation fetch failed, starting unrotated",
				"document_id", doc.DocumentID, "error", err)
			continue
		}
		for _, r := range persisted {
			if global, ok := set.GlobalPage(doc.DocumentID, r.PageNumber); ok {
				rotationMap[global] = r.Degrees
			}
		}
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	s.lifeCancel = lifeCancel
	s.viewerID = viewerID
	s.set = set
	s.currentPage = 1
	s.zoom = 1
	s.rotationMap = rotationMap
	s.pendingRot = make(map[string]map[int]int)
	s.highlightedPage = 0
	s.suppressSync = false
	s.mu.Unlock()

	s.geometry.SetRotations(rotationMap)
	s.geometry.SetZoom(1)

	s.indexer.Start(lifeCtx, s.broadcastProgress)
	return nil
}

// Close cancels everything in flight and clears the state. Pending rotation
// edits are flushed once, best-effort, before the maps are dropped.
func (s *Store) Close() {
	s.flushRotations()
	s.sched.CancelAll()
	s.indexer.Stop()
	s.coordinator.Clear()

	s.mu.Lock()
	if s.lifeCancel != nil {
		s.lifeCancel()
		s.lifeCancel = nil
	}
	s.set = nil
	s.currentPage = 0
	s.highlightedPage = 0
	s.pendingRot = make(map[string]map[int]int)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	results, current := s.coordinator.Committed()
	query, opts := s.coordinator.CommittedQuery()

	s.mu.Lock()
	defer s.mu.Unlock()
	rotations := make(map[int]int, len(s.rotationMap))
	for page, deg := range s.rotationMap {
		rotations[page] = deg
	}
	return State{
		CurrentPage:     s.currentPage,
		Zoom:            s.zoom,
		Rotations:       rotations,
		Query:           query,
		Options:         opts,
		Results:         results,
		CurrentIndex:    current,
		HighlightedPage: s.highlightedPage,
		IndexProgress:   s.indexer.Progress(),
	}
}

// Locate translates a global page number to (documentIndex, localPage).
func (s *Store) Locate(globalPage int) (int, int, bool) {
	s.mu.Lock()
	set := s.set
	s.mu.Unlock()
	if set == nil {
		return 0, 0, false
	}
	return set.Locate(globalPage)
}

// GlobalPage translates (documentID, localPage) to a global page number.
func (s *Store) GlobalPage(documentID string, localPage int) (int, bool) {
	s.mu.Lock()
	set := s.set
	s.mu.Unlock()
	if set == nil {
		return 0, false
	}
	return set.GlobalPage(documentID, localPage)
}

// GoToPage jumps directly to a page, marks it highlighted, and schedules the
// highlight to clear after the configured delay. Jumping again within the
// delay restarts it.
func (s *Store) GoToPage(globalPage int) error {
	s.mu.Lock()
	set := s.set
	s.mu.Unlock()
	if set == nil {
		return errs.ErrViewerClosed
	}
	if globalPage < 1 || globalPage > set.TotalPages() {
		return errs.ErrPageNotFound
	}

	s.mu.Lock()
	s.currentPage = globalPage
	s.highlightedPage = globalPage
	viewerID := s.viewerID
	s.mu.Unlock()

	s.scheduleHighlightClear()
	s.track(events.Event{Kind: events.KindPageViewed, ViewerID: viewerID, Page: globalPage})
	return nil
}

// SyncPageFromScroll updates the current page from a scroll position via the
// geometry index. It is a no-op during the suppression window that follows a
// programmatic search jump, so the jump's own scroll does not fight the
// user's place in the results.
func (s *Store) SyncPageFromScroll(scrollTop, viewportHeight float64) int {
	s.mu.Lock()
	if s.suppressSync {
		page := s.currentPage
		s.mu.Unlock()
		return page
	}
	s.mu.Unlock()

	page := s.geometry.CenteredPage(scrollTop, viewportHeight)
	if page == 0 {
		return 0
	}
	s.mu.Lock()
	s.currentPage = page
	s.mu.Unlock()
	return page
}

// Search commits a query immediately, bypassing the debounce.
func (s *Store) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	results, err := s.coordinator.Commit(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	viewerID := s.viewerID
	s.mu.Unlock()
	s.track(events.Event{
		Kind:        events.KindSearchCommitted,
		ViewerID:    viewerID,
		Query:       query,
		ResultCount: len(results),
	})
	return results, nil
}

// SearchDebounced schedules a query behind the debounce window.
func (s *Store) SearchDebounced(query string, opts search.Options, onDone func([]search.Result, error)) {
	s.coordinator.QueryDebounced(query, opts, onDone)
}

// NextResult advances to the next committed result and jumps the viewer to
// its page.
func (s *Store) NextResult() (search.Result, bool) {
	result, ok := s.coordinator.Next()
	if !ok {
		return search.Result{}, false
	}
	s.jumpToResult(result)
	return result, true
}

// PrevResult steps back to the previous committed result.
func (s *Store) PrevResult() (search.Result, bool) {
	result, ok := s.coordinator.Prev()
	if !ok {
		return search.Result{}, false
	}
	s.jumpToResult(result)
	return result, true
}

// JumpToResult jumps to the result with the given match index.
func (s *Store) JumpToResult(matchIndex int) (search.Result, bool) {
	if !s.coordinator.SetCurrent(matchIndex) {
		return search.Result{}, false
	}
	results, current := s.coordinator.Committed()
	result := results[current]
	s.jumpToResult(result)
	return result, true
}

// jumpToResult moves the viewer to the result's page, highlights it, and
// opens the page-sync suppression window so the programmatic scroll that
// follows does not overwrite the current page.
func (s *Store) jumpToResult(result search.Result) {
	s.mu.Lock()
	s.currentPage = result.GlobalPageNumber
	s.highlightedPage = result.GlobalPageNumber
	s.suppressSync = true
	s.mu.Unlock()

	s.scheduleHighlightClear()
	s.sched.Schedule(keyPageSync, s.cfg.PageSyncSuppression, func() {
		s.mu.Lock()
		s.suppressSync = false
		s.mu.Unlock()
	})
}

func (s *Store) scheduleHighlightClear() {
	s.sched.Schedule(keyHighlightClear, s.cfg.HighlightClearDelay, func() {
		s.mu.Lock()
		s.highlightedPage = 0
		s.mu.Unlock()
	})
}

// HighlightedPage returns the highlighted page marker, 0 when none.
func (s *Store) HighlightedPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highlightedPage
}

// SetZoom updates the zoom scale for state and geometry.
func (s *Store) SetZoom(zoom float64) error {
	if zoom <= 0 {
		return errs.ErrInvalidInput
	}
	s.mu.Lock()
	s.zoom = zoom
	s.mu.Unlock()
	s.geometry.SetZoom(zoom)
	return nil
}

// SetRotation records a page rotation and schedules the debounced flush.
// Rotating the same page again before the flush overwrites the pending
// value; only the final rotation is persisted.
func (s *Store) SetRotation(globalPage, degrees int) error {
	deg := ((degrees % 360) + 360) % 360
	if deg%90 != 0 {
		return errs.ErrInvalidInput
	}

	s.mu.Lock()
	set := s.set
	s.mu.Unlock()
	if set == nil {
		return errs.ErrViewerClosed
	}
	docIndex, localPage, ok := set.Locate(globalPage)
	if !ok {
		return errs.ErrPageNotFound
	}
	docID := set.Documents()[docIndex].DocumentID

	s.mu.Lock()
	s.rotationMap[globalPage] = deg
	pages, ok := s.pendingRot[docID]
	if !ok {
		pages = make(map[int]int)
		s.pendingRot[docID] = pages
	}
	pages[localPage] = deg
	s.mu.Unlock()

	s.geometry.SetRotation(globalPage, deg)
	s.sched.Schedule(keyRotationFlush, s.cfg.RotationDebounce, s.flushRotations)
	return nil
}

// flushRotations upserts the pending map, one call per document. A failed
// document keeps its pending entries and a new flush is scheduled, so the
// edit survives until persistence succeeds or the viewer closes.
func (s *Store) flushRotations() {
	s.mu.Lock()
	pending := s.pendingRot
	s.pendingRot = make(map[string]map[int]int)
	viewerID := s.viewerID
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	retry := false
	for docID, pages := range pending {
		batch := make([]rotation.PageRotation, 0, len(pages))
		for page, deg := range pages {
			batch = append(batch, rotation.PageRotation{PageNumber: page, Degrees: deg})
		}
		if err := s.rotations.Upsert(ctx, docID, batch); err != nil {
			s.logger.Error("rotation flush failed, keeping edits pending",
				"document_id", docID, "pages", len(batch), "error", err)
			if s.metrics != nil {
				s.metrics.RotationFlushesTotal.WithLabelValues("error").Inc()
			}
			s.requeueRotations(docID, pages)
			retry = true
			continue
		}
		if s.metrics != nil {
			s.metrics.RotationFlushesTotal.WithLabelValues("ok").Inc()
		}
		s.track(events.Event{Kind: events.KindRotationPersisted, ViewerID: viewerID, DocumentID: docID})
	}
	if retry {
		s.sched.Schedule(keyRotationFlush, s.cfg.RotationDebounce, s.flushRotations)
	}
}

// requeueRotations puts failed edits back without clobbering newer ones made
// while the flush ran.
func (s *Store) requeueRotations(docID string, pages map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pendingRot[docID]
	if !ok {
		current = make(map[int]int)
		s.pendingRot[docID] = current
	}
	for page, deg := range pages {
		if _, newer := current[page]; !newer {
			current[page] = deg
		}
	}
}

// SubscribeProgress registers a channel for indexing progress updates.
// The returned func unsubscribes and closes the channel.
func (s *Store) SubscribeProgress() (<-chan pageindex.Progress, func()) {
	ch := make(chan pageindex.Progress, 8)
	s.progressMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.progressSubs[id] = ch
	s.progressMu.Unlock()

	return ch, func() {
		s.progressMu.Lock()
		if sub, ok := s.progressSubs[id]; ok {
			delete(s.progressSubs, id)
			close(sub)
		}
		s.progressMu.Unlock()
	}
}

func (s *Store) broadcastProgress(p pageindex.Progress) {
	s.progressMu.Lock()
	for _, ch := range s.progressSubs {
		select {
		case ch <- p:
		default: // slow subscriber, drop the update
		}
	}
	s.progressMu.Unlock()

	if p.Total > 0 && p.Current == p.Total {
		s.mu.Lock()
		viewerID := s.viewerID
		s.mu.Unlock()
		s.track(events.Event{Kind: events.KindIndexingCompleted, ViewerID: viewerID})
	}
}

func (s *Store) track(event events.Event) {
	if s.collector != nil {
		s.collector.Track(event)
	}
}
