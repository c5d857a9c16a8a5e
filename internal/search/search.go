// Package search coordinates query execution over the local page index with
// a remote fallback for documents the indexer has not covered yet. It owns
// request supersession: every query gets a monotonic request id, the previous
// in-flight query is cancelled, and a response that is no longer the latest
// is discarded instead of committed.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/internal/pageindex"
	"github.com/caselens/viewercore/internal/search/remote"
	"github.com/caselens/viewercore/internal/textnorm"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/metrics"
	"github.com/caselens/viewercore/pkg/sched"
	"github.com/caselens/viewercore/pkg/tracing"
)

const debounceKey = "search-query"

// slowQueryThreshold is the latency past which a query's span tree is logged.
const slowQueryThreshold = 250 * time.Millisecond

// Rect is a highlight rectangle in unscaled page-local units.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Options controls how loosely the query matches page text.
type Options struct {
	MatchCase       bool `json:"match_case"`
	MatchWholeWord  bool `json:"match_whole_word"`
	MatchDiacritics bool `json:"match_diacritics"`
}

func (o Options) fold() textnorm.Options {
	return textnorm.Options{KeepCase: o.MatchCase, KeepDiacritics: o.MatchDiacritics}
}

// Result is one committed match. MatchStart and MatchEnd are rune offsets
// into the raw page text; they are zero for remote rows, whose source offsets
// are unknown until rect resolution re-locates the match on the rendered
// page. MatchIndex is dense 0..N-1 over the committed set in
// (document, page, occurrence) order.
type Result struct {
	DocumentID       string `json:"document_id"`
	DocumentIndex    int    `json:"document_index"`
	GlobalPageNumber int    `json:"global_page_number"`
	LocalPageNumber  int    `json:"local_page_number"`
	MatchIndex       int    `json:"match_index"`
	MatchStart       int    `json:"match_start"`
	MatchEnd         int    `json:"match_end"`
	MatchText        string `json:"match_text"`
	ContextBefore    string `json:"context_before"`
	ContextAfter     string `json:"context_after"`
	Rects            []Rect `json:"rects,omitempty"`
	Remote           bool   `json:"remote,omitempty"`
}

// RemoteBackend is the remote fallback used for documents without full local
// coverage. A nil backend disables the fallback.
type RemoteBackend interface {
	Search(ctx context.Context, queryText, scopeID string) ([]remote.Row, error)
}

// Coordinator runs searches and owns the committed result set.
type Coordinator struct {
	indexer *pageindex.Indexer
	remote  RemoteBackend
	cache   *QueryCache
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	sched   *sched.Scheduler

	requestID atomic.Uint64

	mu         sync.Mutex
	set        *docset.Set
	cancelPrev context.CancelFunc
	committed  []Result
	current    int
	query      string
	opts       Options
}

// New builds a Coordinator. remoteBackend and cache may be nil.
func New(indexer *pageindex.Indexer, remoteBackend RemoteBackend, cache *QueryCache, cfg config.SearchConfig, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		indexer: indexer,
		remote:  remoteBackend,
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "search"),
		sched:   sched.New(),
		current: -1,
	}
}

// SetDocuments installs the open document set and drops any committed
// results; in-flight and debounced queries are cancelled.
func (c *Coordinator) SetDocuments(set *docset.Set) {
	c.sched.Cancel(debounceKey)
	c.requestID.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPrev != nil {
		c.cancelPrev()
		c.cancelPrev = nil
	}
	c.set = set
	c.committed = nil
	c.current = -1
	c.query = ""
}

// Clear cancels any pending or in-flight query and empties the committed
// result set.
func (c *Coordinator) Clear() {
	c.sched.Cancel(debounceKey)
	c.requestID.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPrev != nil {
		c.cancelPrev()
		c.cancelPrev = nil
	}
	c.committed = nil
	c.current = -1
	c.query = ""
}

// QueryDebounced schedules the query to run after the debounce window.
// Typing again within the window restarts it; only the final query runs.
// onDone receives the committed results, or the error when the run was
// superseded or failed.
func (c *Coordinator) QueryDebounced(rawQuery string, opts Options, onDone func([]Result, error)) {
	c.sched.Schedule(debounceKey, c.cfg.DebounceWindow, func() {
		results, err := c.Query(context.Background(), rawQuery, opts)
		if onDone != nil {
			onDone(results, err)
		}
	})
}

// Commit bypasses the debounce window and runs the query immediately.
func (c *Coordinator) Commit(ctx context.Context, rawQuery string, opts Options) ([]Result, error) {
	c.sched.Cancel(debounceKey)
	return c.Query(ctx, rawQuery, opts)
}

// Query executes rawQuery and, if it is still the latest request when it
// finishes, commits the ordered result set. A superseded run returns
// errs.ErrStaleResponse and leaves state untouched.
func (c *Coordinator) Query(ctx context.Context, rawQuery string, opts Options) ([]Result, error) {
	id := c.requestID.Add(1)
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancelPrev != nil {
		c.cancelPrev()
	}
	c.cancelPrev = cancel
	set := c.set
	c.mu.Unlock()

	if set == nil {
		return nil, errs.ErrViewerClosed
	}

	folded := textnorm.Fold(rawQuery, opts.fold())
	if folded == "" {
		if c.commit(id, rawQuery, opts, nil) {
			return nil, nil
		}
		return nil, errs.ErrStaleResponse
	}

	ctx, span := tracing.StartSpan(ctx, "search.query", strconv.FormatUint(id, 10))
	start := time.Now()
	results, cacheStatus := c.execute(ctx, set, rawQuery, folded, opts)
	span.SetAttr("cache", cacheStatus)
	span.SetAttr("results", len(results))
	span.End()
	if span.Duration > slowQueryThreshold {
		span.Log()
	}
	if c.metrics != nil {
		c.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	}

	if !c.commit(id, rawQuery, opts, results) {
		if c.metrics != nil {
			c.metrics.StaleResponsesTotal.Inc()
		}
		return nil, errs.ErrStaleResponse
	}
	if c.metrics != nil {
		c.metrics.SearchResultsCount.Observe(float64(len(results)))
		c.metrics.SearchesTotal.WithLabelValues(origin(results), "ok").Inc()
	}
	return results, nil
}

// Committed returns the current result set and the current index within it
// (-1 when there are no results).
func (c *Coordinator) Committed() ([]Result, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed, c.current
}

// CommittedQuery returns the query and options behind the committed set.
func (c *Coordinator) CommittedQuery() (string, Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query, c.opts
}

// Next advances the current index, wrapping past the end, and returns the
// result it now points at.
func (c *Coordinator) Next() (Result, bool) {
	return c.step(1)
}

// Prev moves the current index backwards, wrapping past the start.
func (c *Coordinator) Prev() (Result, bool) {
	return c.step(-1)
}

func (c *Coordinator) step(delta int) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.committed)
	if n == 0 {
		return Result{}, false
	}
	c.current = ((c.current+delta)%n + n) % n
	return c.committed[c.current], true
}

// SetCurrent points the current index at the result with the given
// MatchIndex.
func (c *Coordinator) SetCurrent(matchIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if matchIndex < 0 || matchIndex >= len(c.committed) {
		return false
	}
	c.current = matchIndex
	return true
}

func (c *Coordinator) commit(id uint64, rawQuery string, opts Options, results []Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.requestID.Load() {
		return false
	}
	anchorPage := 1
	if c.current >= 0 && c.current < len(c.committed) {
		anchorPage = c.committed[c.current].GlobalPageNumber
	}
	c.committed = results
	c.current = reanchor(results, anchorPage)
	c.query = rawQuery
	c.opts = opts
	return true
}

// reanchor picks the first result at or past the page the user was looking
// at, falling back to the last result, so replacing the set does not yank
// the viewer back to page one.
func reanchor(results []Result, anchorPage int) int {
	if len(results) == 0 {
		return -1
	}
	for i, r := range results {
		if r.GlobalPageNumber >= anchorPage {
			return i
		}
	}
	return len(results) - 1
}

func (c *Coordinator) execute(ctx context.Context, set *docset.Set, rawQuery, folded string, opts Options) ([]Result, string) {
	if c.cache == nil {
		return c.runSearch(ctx, set, rawQuery, folded, opts), "none"
	}

	key := c.cache.Key(rawQuery, opts, set, c.indexer.Progress().Current)
	if cached, ok := c.cache.Get(ctx, key); ok {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		return cached, "hit"
	}
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
	results := c.cache.Fill(ctx, key, func() []Result {
		return c.runSearch(ctx, set, rawQuery, folded, opts)
	})
	return results, "miss"
}

func (c *Coordinator) runSearch(ctx context.Context, set *docset.Set, rawQuery, folded string, opts Options) []Result {
	_, localSpan := tracing.StartChildSpan(ctx, "search.scan-local")
	results := c.scanLocal(set, folded, opts)
	localSpan.SetAttr("matches", len(results))
	localSpan.End()

	remoteCtx, remoteSpan := tracing.StartChildSpan(ctx, "search.remote-fallback")
	fallback := c.searchRemote(remoteCtx, set, rawQuery)
	remoteSpan.SetAttr("matches", len(fallback))
	remoteSpan.End()
	results = append(results, fallback...)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].DocumentIndex != results[j].DocumentIndex {
			return results[i].DocumentIndex < results[j].DocumentIndex
		}
		return results[i].LocalPageNumber < results[j].LocalPageNumber
	})
	for i := range results {
		results[i].MatchIndex = i
	}
	return results
}

// scanLocal walks every indexed page in global order and collects substring
// occurrences of the folded query. Pages are short, so a plain rune scan
// beats maintaining a positional index.
func (c *Coordinator) scanLocal(set *docset.Set, folded string, opts Options) []Result {
	var results []Result
	needle := []rune(folded)

	it := c.indexer.IndexedPages().Iterator()
	for it.HasNext() {
		globalPage := int(it.Next())
		entry, ok := c.indexer.Page(globalPage)
		if !ok {
			continue
		}
		docIndex, localPage, ok := set.Locate(globalPage)
		if !ok {
			continue
		}
		doc := set.Documents()[docIndex]

		nt := entry.Normalized
		if opts != (Options{}) {
			nt = textnorm.FoldWithMap(entry.Raw, opts.fold())
		}
		srcRunes := []rune(entry.Raw)

		for _, hit := range occurrences([]rune(nt.Normalized), needle, opts.MatchWholeWord) {
			srcStart, srcEnd := nt.SourceRange(hit, hit+len(needle))
			if srcStart == srcEnd {
				continue
			}
			results = append(results, Result{
				DocumentID:       doc.DocumentID,
				DocumentIndex:    docIndex,
				GlobalPageNumber: globalPage,
				LocalPageNumber:  localPage,
				MatchStart:       srcStart,
				MatchEnd:         srcEnd,
				MatchText:        string(srcRunes[srcStart:srcEnd]),
				ContextBefore:    string(srcRunes[maxInt(0, srcStart-c.cfg.ContextRadius):srcStart]),
				ContextAfter:     string(srcRunes[srcEnd:minInt(len(srcRunes), srcEnd+c.cfg.ContextRadius)]),
			})
		}
	}
	return results
}

// searchRemote queries the fallback backend for every document the local
// index does not fully cover. A failed call contributes nothing; local
// results still stand.
func (c *Coordinator) searchRemote(ctx context.Context, set *docset.Set, rawQuery string) []Result {
	if c.remote == nil {
		return nil
	}

	var results []Result
	indexed := c.indexer.IndexedPages()
	for _, doc := range set.Documents() {
		if c.indexer.DocumentFullyIndexed(doc.DocumentID) {
			continue
		}
		rows, err := c.remote.Search(ctx, rawQuery, doc.DocumentID)
		if err != nil {
			if ctx.Err() != nil {
				return results
			}
			c.logger.Warn("remote search failed, keeping local results",
				"document_id", doc.DocumentID, "error", err)
			if c.metrics != nil {
				c.metrics.SearchesTotal.WithLabelValues("remote", "error").Inc()
			}
			continue
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].PageNumber != rows[j].PageNumber {
				return rows[i].PageNumber < rows[j].PageNumber
			}
			return rows[i].SequenceOrder < rows[j].SequenceOrder
		})
		for _, row := range rows {
			globalPage, ok := set.GlobalPage(doc.DocumentID, row.PageNumber)
			if !ok {
				continue
			}
			// The local scan already covered this page.
			if indexed.ContainsInt(globalPage) {
				continue
			}
			results = append(results, Result{
				DocumentID:       doc.DocumentID,
				DocumentIndex:    doc.DocumentIndex,
				GlobalPageNumber: globalPage,
				LocalPageNumber:  row.PageNumber,
				MatchText:        row.MatchText,
				ContextBefore:    row.ContextBefore,
				ContextAfter:     row.ContextAfter,
				Remote:           true,
			})
		}
	}
	return results
}

// occurrences returns the rune offsets of every non-overlapping occurrence
// of needle in hay, optionally requiring word boundaries on both sides.
func occurrences(hay, needle []rune, wholeWord bool) []int {
	if len(needle) == 0 || len(needle) > len(hay) {
		return nil
	}
	var hits []int
	for i := 0; i+len(needle) <= len(hay); {
		if !runesEqual(hay[i:i+len(needle)], needle) {
			i++
			continue
		}
		if wholeWord && !atWordBoundary(hay, i, i+len(needle)) {
			i++
			continue
		}
		hits = append(hits, i)
		i += len(needle)
	}
	return hits
}

func runesEqual(a, b []rune) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func atWordBoundary(hay []rune, start, end int) bool {
	if start > 0 && isWordRune(hay[start-1]) {
		return false
	}
	if end < len(hay) && isWordRune(hay[end]) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func origin(results []Result) string {
	local, remoteRows := false, false
	for _, r := range results {
		if r.Remote {
			remoteRows = true
		} else {
			local = true
		}
	}
	switch {
	case local && remoteRows:
		return "mixed"
	case remoteRows:
		return "remote"
	default:
		return "local"
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
