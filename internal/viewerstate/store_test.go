package viewerstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/extraction"
	"github.com/caselens/viewercore/internal/geometry"
	"github.com/caselens/viewercore/internal/pageindex"
	"github.com/caselens/viewercore/internal/rotation"
	"github.com/caselens/viewercore/internal/search"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
)

type upsertCall struct {
	documentID string
	rotations  []rotation.PageRotation
}

type fakeRotStore struct {
	mu      sync.Mutex
	upserts []upsertCall
	err     error
	fetched map[string][]rotation.PageRotation
}

func (f *fakeRotStore) Upsert(_ context.Context, documentID string, rotations []rotation.PageRotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, upsertCall{documentID: documentID, rotations: rotations})
	return nil
}

func (f *fakeRotStore) Fetch(_ context.Context, documentID string) ([]rotation.PageRotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[documentID], nil
}

func (f *fakeRotStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func testViewerConfig() config.ViewerConfig {
	return config.ViewerConfig{
		HighlightClearDelay: 100 * time.Millisecond,
		PageSyncSuppression: 80 * time.Millisecond,
		RotationDebounce:    50 * time.Millisecond,
		PageGap:             16,
	}
}

func newTestStore(t *testing.T, rotStore rotation.Store) *Store {
	t.Helper()
	if rotStore == nil {
		rotStore = rotation.NewMemoryStore()
	}
	cache := extraction.NewMemoryCache()
	cache.SetDocument("dec-1", []string{"JOÃO DA SILVA", "verba rescisória aqui", "verba final"})
	cache.SetDocument("anexo", []string{"contrato assinado"})

	ix := pageindex.New(cache, config.IndexerConfig{SliceSize: 16}, nil)
	coord := search.New(ix, nil, nil, config.SearchConfig{
		DebounceWindow: 30 * time.Millisecond,
		ContextRadius:  20,
	}, nil)
	geo := geometry.New(16)

	s := New(testViewerConfig(), ix, coord, geo, rotStore, nil, nil)
	sizes := make([]geometry.PageSize, 4)
	for i := range sizes {
		sizes[i] = geometry.PageSize{Width: 600, Height: 800}
	}
	err := s.Open(context.Background(), "viewer-1", []docset.DocumentInfo{
		{ID: "dec-1", PageCount: 3},
		{ID: "anexo", PageCount: 1},
	}, sizes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		p := s.Snapshot().IndexProgress
		if p.Total > 0 && p.Current == p.Total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexing never completed: %+v", p)
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(s.Close)
	return s
}

func TestHighlightClearRestartsOnReschedule(t *testing.T) {
	s := newTestStore(t, nil)

	if err := s.GoToPage(2); err != nil {
		t.Fatalf("GoToPage: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := s.GoToPage(3); err != nil {
		t.Fatalf("GoToPage: %v", err)
	}

	// 70ms after the second jump the first timer would already have fired;
	// the highlight must still be set because rescheduling restarted it.
	time.Sleep(70 * time.Millisecond)
	if got := s.HighlightedPage(); got != 3 {
		t.Errorf("highlight cleared early, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.HighlightedPage() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("highlight never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRotationDebounceCoalescesEdits(t *testing.T) {
	rotStore := &fakeRotStore{}
	s := newTestStore(t, rotStore)

	for _, deg := range []int{90, 180, 270} {
		if err := s.SetRotation(2, deg); err != nil {
			t.Fatalf("SetRotation(%d): %v", deg, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rotStore.upsertCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rotation flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	rotStore.mu.Lock()
	defer rotStore.mu.Unlock()
	if len(rotStore.upserts) != 1 {
		t.Fatalf("upserts = %d, want exactly one", len(rotStore.upserts))
	}
	call := rotStore.upserts[0]
	if call.documentID != "dec-1" {
		t.Errorf("documentID = %q", call.documentID)
	}
	if len(call.rotations) != 1 || call.rotations[0].PageNumber != 2 || call.rotations[0].Degrees != 270 {
		t.Errorf("rotations = %+v, want page 2 at its final 270 degrees", call.rotations)
	}
}

func TestFailedFlushKeepsEditsPending(t *testing.T) {
	rotStore := &fakeRotStore{err: errors.New("database down")}
	s := newTestStore(t, rotStore)

	if err := s.SetRotation(1, 90); err != nil {
		t.Fatalf("SetRotation: %v", err)
	}
	// Let the first flush fail.
	time.Sleep(80 * time.Millisecond)

	rotStore.mu.Lock()
	rotStore.err = nil
	rotStore.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for rotStore.upsertCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rotation edit lost after failed flush")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rotStore.mu.Lock()
	defer rotStore.mu.Unlock()
	got := rotStore.upserts[0]
	if got.rotations[0].PageNumber != 1 || got.rotations[0].Degrees != 90 {
		t.Errorf("retried flush = %+v", got)
	}
}

func TestPageSyncSuppressedAfterSearchJump(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Search(context.Background(), "verba", search.Options{}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	result, ok := s.NextResult()
	if !ok {
		t.Fatal("NextResult found nothing")
	}
	if s.Snapshot().CurrentPage != result.GlobalPageNumber {
		t.Errorf("jump did not move the viewer to page %d", result.GlobalPageNumber)
	}

	// A scroll event landing during the suppression window must not move
	// the current page off the jump target.
	if page := s.SyncPageFromScroll(0, 600); page != result.GlobalPageNumber {
		t.Errorf("scroll sync overrode a search jump: page %d", page)
	}

	time.Sleep(120 * time.Millisecond)
	if page := s.SyncPageFromScroll(0, 600); page != 1 {
		t.Errorf("scroll sync still suppressed after the window: page %d", page)
	}
}

func TestOpenLoadsPersistedRotations(t *testing.T) {
	rotStore := &fakeRotStore{fetched: map[string][]rotation.PageRotation{
		"dec-1": {{PageNumber: 2, Degrees: 180}},
		"anexo": {{PageNumber: 1, Degrees: 90}},
	}}
	s := newTestStore(t, rotStore)

	rotations := s.Snapshot().Rotations
	if rotations[2] != 180 {
		t.Errorf("global page 2 rotation = %d, want 180", rotations[2])
	}
	if rotations[4] != 90 {
		t.Errorf("global page 4 (anexo page 1) rotation = %d, want 90", rotations[4])
	}
}

func TestRotationValidation(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.SetRotation(1, 45); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("45 degrees: err = %v", err)
	}
	if err := s.SetRotation(99, 90); !errors.Is(err, errs.ErrPageNotFound) {
		t.Errorf("unknown page: err = %v", err)
	}
	if err := s.SetRotation(1, -90); err != nil {
		t.Errorf("-90 should normalize to 270: %v", err)
	}
	if got := s.Snapshot().Rotations[1]; got != 270 {
		t.Errorf("rotation = %d, want 270", got)
	}
}

func TestGoToPageBounds(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.GoToPage(0); !errors.Is(err, errs.ErrPageNotFound) {
		t.Errorf("page 0: err = %v", err)
	}
	if err := s.GoToPage(5); !errors.Is(err, errs.ErrPageNotFound) {
		t.Errorf("page 5: err = %v", err)
	}
}

func TestCloseRejectsFurtherNavigation(t *testing.T) {
	s := newTestStore(t, nil)
	s.Close()
	if err := s.GoToPage(1); !errors.Is(err, errs.ErrViewerClosed) {
		t.Errorf("err = %v, want ErrViewerClosed", err)
	}
}

// Open's caller context only bounds the rotation fetches; indexing runs on a
// store-owned context. A caller whose context is already cancelled (an HTTP
// request that has returned) must still get a full indexing run.
func TestIndexingSurvivesCallerContext(t *testing.T) {
	cache := extraction.NewMemoryCache()
	pages := make([]string, 12)
	for i := range pages {
		pages[i] = "verba"
	}
	cache.SetDocument("doc", pages)

	ix := pageindex.New(cache, config.IndexerConfig{SliceSize: 2, SliceYield: time.Millisecond}, nil)
	coord := search.New(ix, nil, nil, config.SearchConfig{DebounceWindow: time.Hour}, nil)
	s := New(testViewerConfig(), ix, coord, geometry.New(16), rotation.NewMemoryStore(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Open(ctx, "v1", []docset.DocumentInfo{{ID: "doc", PageCount: 12}},
		make([]geometry.PageSize, 12))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		p := s.Snapshot().IndexProgress
		if p.Total == 12 && p.Current == 12 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexing stalled at %+v", p)
		}
		time.Sleep(time.Millisecond)
	}

	// Close cancels the lifecycle context; a fresh Open must index again.
	s.Close()
	if err := s.Open(context.Background(), "v1", []docset.DocumentInfo{{ID: "doc", PageCount: 12}},
		make([]geometry.PageSize, 12)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestProgressSubscription(t *testing.T) {
	rotStore := rotation.NewMemoryStore()
	cache := extraction.NewMemoryCache()
	cache.SetDocument("doc", []string{"um", "dois", "três", "quatro"})

	ix := pageindex.New(cache, config.IndexerConfig{SliceSize: 1}, nil)
	coord := search.New(ix, nil, nil, config.SearchConfig{DebounceWindow: time.Hour}, nil)
	s := New(testViewerConfig(), ix, coord, geometry.New(16), rotStore, nil, nil)

	ch, unsubscribe := s.SubscribeProgress()
	defer unsubscribe()

	err := s.Open(context.Background(), "v1", []docset.DocumentInfo{{ID: "doc", PageCount: 4}},
		make([]geometry.PageSize, 4))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	deadline := time.After(3 * time.Second)
	var last pageindex.Progress
	for last.Current != 4 {
		select {
		case p, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed early")
			}
			last = p
		case <-deadline:
			t.Fatalf("never saw final progress, last=%+v", last)
		}
	}
	if last.Total != 4 {
		t.Errorf("total = %d", last.Total)
	}
}
