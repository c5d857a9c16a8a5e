package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/caselens/viewercore/internal/docset"
	"github.com/caselens/viewercore/pkg/redis"
)

// QueryCache memoizes committed result sets in Redis. Entries are keyed by
// the query, its options, the document set, and the indexing watermark, so a
// search repeated while indexing advances never serves results computed
// against stale coverage. Concurrent identical fills are collapsed through
// singleflight.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

func NewQueryCache(client *redis.Client, ttl time.Duration) *QueryCache {
	return &QueryCache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "query-cache"),
	}
}

// Key derives the cache key for one search.
func (qc *QueryCache) Key(rawQuery string, opts Options, set *docset.Set, indexedPages int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%v|%v|%d", rawQuery, opts.MatchCase, opts.MatchWholeWord, opts.MatchDiacritics, indexedPages)
	for _, doc := range set.Documents() {
		fmt.Fprintf(h, "|%s:%d", doc.DocumentID, doc.PageCountInDoc)
	}
	return "search:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Get returns the cached result set for key, if present.
func (qc *QueryCache) Get(ctx context.Context, key string) ([]Result, bool) {
	raw, err := qc.client.Get(ctx, key)
	if err != nil {
		if !redis.IsNilError(err) {
			qc.logger.Warn("cache read failed", "error", err)
		}
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		qc.logger.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		_ = qc.client.Del(ctx, key)
		return nil, false
	}
	return results, true
}

// Fill runs fn, stores its output under key, and returns it. Concurrent
// calls with the same key share one execution of fn.
func (qc *QueryCache) Fill(ctx context.Context, key string, fn func() []Result) []Result {
	v, _, _ := qc.group.Do(key, func() (any, error) {
		results := fn()
		if ctx.Err() != nil {
			// Superseded mid-run; do not poison the cache with a
			// possibly truncated remote contribution.
			return results, nil
		}
		data, err := json.Marshal(results)
		if err == nil {
			if err := qc.client.Set(ctx, key, data, qc.ttl); err != nil {
				qc.logger.Warn("cache write failed", "error", err)
			}
		}
		return results, nil
	})
	results, _ := v.([]Result)
	return results
}
