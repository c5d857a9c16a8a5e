package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/extraction"
	"github.com/caselens/viewercore/internal/pageindex"
	"github.com/caselens/viewercore/internal/search/remote"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
)

func searchCfg() config.SearchConfig {
	return config.SearchConfig{
		DebounceWindow: 40 * time.Millisecond,
		ContextRadius:  20,
		RemoteLimit:    100,
	}
}

// indexedCoordinator builds a coordinator whose local index fully covers the
// given documents.
func indexedCoordinator(t *testing.T, docs map[string][]string, order []string, backend RemoteBackend) *Coordinator {
	t.Helper()
	cache := extraction.NewMemoryCache()
	var infos []docset.DocumentInfo
	for _, id := range order {
		cache.SetDocument(id, docs[id])
		infos = append(infos, docset.DocumentInfo{ID: id, PageCount: len(docs[id])})
	}
	set := docset.New(infos)

	ix := pageindex.New(cache, config.IndexerConfig{SliceSize: 16}, nil)
	ix.SetDocuments(set)
	ix.Start(context.Background(), nil)
	deadline := time.Now().Add(3 * time.Second)
	for {
		p := ix.Progress()
		if p.Total > 0 && p.Current == p.Total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexing never completed: %+v", p)
		}
		time.Sleep(time.Millisecond)
	}

	c := New(ix, backend, nil, searchCfg(), nil)
	c.SetDocuments(set)
	return c
}

func TestLocalSearchFoldsDiacritics(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"dec-1": {"JOÃO DA SILVA compareceu", "nada aqui"},
	}, []string{"dec-1"}, nil)

	results, err := c.Query(context.Background(), "Joao", Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.MatchText != "JOÃO" {
		t.Errorf("MatchText = %q, want the original accented substring", r.MatchText)
	}
	if r.GlobalPageNumber != 1 || r.LocalPageNumber != 1 || r.DocumentIndex != 0 {
		t.Errorf("location = %+v", r)
	}
	if r.MatchStart != 0 || r.MatchEnd != 4 {
		t.Errorf("source range = [%d,%d), want [0,4)", r.MatchStart, r.MatchEnd)
	}
	if r.ContextAfter == "" {
		t.Error("ContextAfter empty")
	}
}

func TestMatchIndexDenseInDocumentPageOrder(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"dec-1": {"verba aqui e verba ali", "sem nada", "verba de novo"},
		"anexo": {"verba anexa"},
	}, []string{"dec-1", "anexo"}, nil)

	results, err := c.Query(context.Background(), "verba", Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i, r := range results {
		if r.MatchIndex != i {
			t.Errorf("MatchIndex[%d] = %d", i, r.MatchIndex)
		}
	}
	for i := 1; i < len(results); i++ {
		prev, cur := results[i-1], results[i]
		if cur.DocumentIndex < prev.DocumentIndex {
			t.Errorf("document order violated at %d", i)
		}
		if cur.DocumentIndex == prev.DocumentIndex && cur.LocalPageNumber < prev.LocalPageNumber {
			t.Errorf("page order violated at %d", i)
		}
		if cur.GlobalPageNumber == prev.GlobalPageNumber && cur.MatchStart < prev.MatchStart {
			t.Errorf("occurrence order violated at %d", i)
		}
	}
	if results[3].DocumentID != "anexo" {
		t.Errorf("last result should come from the second document: %+v", results[3])
	}
}

func TestMatchCaseAndWholeWord(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"Casa casa casamento"},
	}, []string{"doc"}, nil)

	results, _ := c.Query(context.Background(), "casa", Options{})
	if len(results) != 3 {
		t.Errorf("loose match: got %d, want 3 (casamento included)", len(results))
	}

	results, _ = c.Query(context.Background(), "casa", Options{MatchWholeWord: true})
	if len(results) != 2 {
		t.Errorf("whole word: got %d, want 2", len(results))
	}

	results, _ = c.Query(context.Background(), "Casa", Options{MatchCase: true})
	if len(results) != 1 {
		t.Errorf("match case: got %d, want 1", len(results))
	}
	if len(results) == 1 && results[0].MatchStart != 0 {
		t.Errorf("match case hit at %d, want 0", results[0].MatchStart)
	}
}

type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string][]remote.Row
	err     error
	block   chan struct{}
	queries []string
}

func (f *fakeRemote) Search(ctx context.Context, queryText, scopeID string) ([]remote.Row, error) {
	f.mu.Lock()
	f.queries = append(f.queries, queryText)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[scopeID], nil
}

// unindexedCoordinator builds a coordinator whose indexer never ran, so every
// document needs the remote fallback.
func unindexedCoordinator(t *testing.T, infos []docset.DocumentInfo, backend RemoteBackend) *Coordinator {
	t.Helper()
	ix := pageindex.New(extraction.NewMemoryCache(), config.IndexerConfig{SliceSize: 16}, nil)
	set := docset.New(infos)
	ix.SetDocuments(set)
	c := New(ix, backend, nil, searchCfg(), nil)
	c.SetDocuments(set)
	return c
}

func TestRemoteFallbackForUncoveredDocuments(t *testing.T) {
	backend := &fakeRemote{rows: map[string][]remote.Row{
		"dec-1": {
			{DocumentID: "dec-1", PageNumber: 2, MatchText: "rescisão", SequenceOrder: 1},
			{DocumentID: "dec-1", PageNumber: 1, MatchText: "rescisão", SequenceOrder: 0},
		},
	}}
	c := unindexedCoordinator(t, []docset.DocumentInfo{{ID: "dec-1", PageCount: 3}}, backend)

	results, err := c.Query(context.Background(), "rescisão", Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].LocalPageNumber != 1 || results[1].LocalPageNumber != 2 {
		t.Errorf("remote rows not in page order: %+v", results)
	}
	if !results[0].Remote || results[0].MatchIndex != 0 || results[1].MatchIndex != 1 {
		t.Errorf("remote rows mis-labelled: %+v", results)
	}
}

// partialCoordinator indexes only the first document: the slice covers its
// single page, then the run parks on a very long yield, leaving the second
// document to the remote fallback.
func partialCoordinator(t *testing.T, backend RemoteBackend) *Coordinator {
	t.Helper()
	cache := extraction.NewMemoryCache()
	cache.SetDocument("dec-1", []string{"verba local aqui"})
	set := docset.New([]docset.DocumentInfo{
		{ID: "dec-1", PageCount: 1},
		{ID: "anexo", PageCount: 1},
	})
	ix := pageindex.New(cache, config.IndexerConfig{SliceSize: 1, SliceYield: time.Hour}, nil)
	ix.SetDocuments(set)
	ix.Start(context.Background(), nil)
	t.Cleanup(ix.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for ix.Progress().Current < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first slice never completed")
		}
		time.Sleep(time.Millisecond)
	}

	c := New(ix, backend, nil, searchCfg(), nil)
	c.SetDocuments(set)
	return c
}

func TestMixedLocalAndRemoteMerge(t *testing.T) {
	backend := &fakeRemote{rows: map[string][]remote.Row{
		"anexo": {{DocumentID: "anexo", PageNumber: 1, MatchText: "verba remota"}},
	}}
	c := partialCoordinator(t, backend)

	results, err := c.Query(context.Background(), "verba", Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Remote || results[0].DocumentID != "dec-1" {
		t.Errorf("first result should be the local one: %+v", results[0])
	}
	if !results[1].Remote || results[1].DocumentID != "anexo" {
		t.Errorf("second result should be the remote one: %+v", results[1])
	}
	if results[0].MatchIndex != 0 || results[1].MatchIndex != 1 {
		t.Errorf("match indexes not dense: %+v", results)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.queries) != 1 {
		t.Errorf("remote called %d times, want once (only the uncovered document)", len(backend.queries))
	}
}

func TestRemoteFailureKeepsLocalResults(t *testing.T) {
	backend := &fakeRemote{err: errors.New("backend down")}
	c := partialCoordinator(t, backend)

	results, err := c.Query(context.Background(), "verba", Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Remote {
		t.Errorf("expected only the local result to survive, got %+v", results)
	}
}

func TestStaleQueryNeverCommits(t *testing.T) {
	backend := &fakeRemote{
		rows:  map[string][]remote.Row{"doc": {{DocumentID: "doc", PageNumber: 1, MatchText: "primeiro"}}},
		block: make(chan struct{}),
	}
	c := unindexedCoordinator(t, []docset.DocumentInfo{{ID: "doc", PageCount: 1}}, backend)

	errA := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), "primeiro", Options{})
		errA <- err
	}()

	// Let A reach the blocked remote call, then supersede it.
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	backend.block = nil
	backend.rows["doc"] = []remote.Row{{DocumentID: "doc", PageNumber: 1, MatchText: "segundo"}}
	backend.mu.Unlock()

	resultsB, err := c.Query(context.Background(), "segundo", Options{})
	if err != nil {
		t.Fatalf("query B: %v", err)
	}
	if len(resultsB) != 1 || resultsB[0].MatchText != "segundo" {
		t.Fatalf("query B results = %+v", resultsB)
	}

	if err := <-errA; !errors.Is(err, errs.ErrStaleResponse) {
		t.Errorf("query A error = %v, want ErrStaleResponse", err)
	}
	committed, _ := c.Committed()
	if len(committed) != 1 || committed[0].MatchText != "segundo" {
		t.Errorf("committed = %+v, only B's results may be committed", committed)
	}
}

func TestDebounceRunsOnlyFinalQuery(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"primeira segunda"},
	}, []string{"doc"}, nil)

	var mu sync.Mutex
	var ran []string
	done := make(chan struct{}, 2)
	record := func(q string) func([]Result, error) {
		return func([]Result, error) {
			mu.Lock()
			ran = append(ran, q)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	c.QueryDebounced("primeira", Options{}, record("primeira"))
	time.Sleep(10 * time.Millisecond)
	c.QueryDebounced("segunda", Options{}, record("segunda"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced query never ran")
	}
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != "segunda" {
		t.Errorf("ran = %v, want only the final query", ran)
	}
	committed, _ := c.Committed()
	if len(committed) != 1 || committed[0].MatchText != "segunda" {
		t.Errorf("committed = %+v", committed)
	}
}

func TestCommitBypassesDebounce(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"primeira segunda"},
	}, []string{"doc"}, nil)

	c.QueryDebounced("primeira", Options{}, nil)
	results, err := c.Commit(context.Background(), "segunda", Options{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(results) != 1 || results[0].MatchText != "segunda" {
		t.Fatalf("results = %+v", results)
	}
	// The debounced query must have been cancelled outright.
	time.Sleep(80 * time.Millisecond)
	committed, _ := c.Committed()
	if committed[0].MatchText != "segunda" {
		t.Errorf("debounced query overwrote an explicit commit: %+v", committed)
	}
}

func TestNavigationWraps(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"alfa alfa", "alfa"},
	}, []string{"doc"}, nil)

	if _, err := c.Query(context.Background(), "alfa", Options{}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	_, current := c.Committed()
	if current != 0 {
		t.Fatalf("initial current = %d", current)
	}
	c.Next()
	c.Next()
	r, ok := c.Next()
	if !ok || r.MatchIndex != 0 {
		t.Errorf("Next did not wrap: %+v", r)
	}
	r, _ = c.Prev()
	if r.MatchIndex != 2 {
		t.Errorf("Prev did not wrap: %+v", r)
	}
}

func TestClearDropsCommittedResults(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"alfa"},
	}, []string{"doc"}, nil)
	if _, err := c.Query(context.Background(), "alfa", Options{}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	c.Clear()
	committed, current := c.Committed()
	if len(committed) != 0 || current != -1 {
		t.Errorf("after Clear: %v, %d", committed, current)
	}
}

func TestEmptyQueryCommitsEmptySet(t *testing.T) {
	c := indexedCoordinator(t, map[string][]string{
		"doc": {"alfa"},
	}, []string{"doc"}, nil)
	if _, err := c.Query(context.Background(), "alfa", Options{}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	results, err := c.Query(context.Background(), "   ", Options{})
	if err != nil || len(results) != 0 {
		t.Fatalf("empty query: %v, %v", results, err)
	}
	committed, _ := c.Committed()
	if len(committed) != 0 {
		t.Errorf("committed = %+v", committed)
	}
}
