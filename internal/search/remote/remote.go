// Package remote queries the extraction service's full-text endpoint for
// matches on pages the local index has not covered yet. The service searches
// raw extracted text, so a query that carries diacritics is retried in
// accent-folded form when the literal form finds nothing.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caselens/viewercore/internal/textnorm"
	"github.com/caselens/viewercore/pkg/config"
	errs "github.com/caselens/viewercore/pkg/errors"
	"github.com/caselens/viewercore/pkg/metrics"
	"github.com/caselens/viewercore/pkg/resilience"
	"github.com/caselens/viewercore/pkg/rpc"
)

// Query is the wire request for the pages.search method.
type Query struct {
	QueryText   string `json:"query_text"`
	ScopeID     string `json:"scope_id"`
	ResultLimit int    `json:"result_limit"`
}

// Row is one remote match. PageNumber is 1-based within the document
// identified by DocumentID; SequenceOrder preserves the service's reading
// order so merged results stay stable.
type Row struct {
	DocumentID    string `json:"document_id"`
	PageNumber    int    `json:"page_number"`
	MatchText     string `json:"match_text"`
	ContextBefore string `json:"context_before"`
	ContextAfter  string `json:"context_after"`
	SequenceOrder int    `json:"sequence_order"`
}

type searchResponse struct {
	Rows []Row `json:"rows"`
}

// Client wraps the RPC transport with a circuit breaker and the
// accent-folding retry. Safe for concurrent use.
type Client struct {
	rpc     *rpc.Client
	breaker *resilience.CircuitBreaker
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg config.SearchConfig, m *metrics.Metrics) *Client {
	return &Client{
		rpc: rpc.NewClient(cfg.RemoteAddr),
		breaker: resilience.NewCircuitBreaker("remote-search", resilience.CircuitBreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        15 * time.Second,
			HalfOpenMaxRequests: 1,
		}),
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "remote-search"),
	}
}

// Search runs the query against the remote service, scoped to one document.
// If the literal query yields no rows and folding would change it, the query
// is retried once in accent- and case-folded form. Context cancellation is
// passed through untouched so a superseded search never trips the breaker.
func (c *Client) Search(ctx context.Context, queryText, scopeID string) ([]Row, error) {
	rows, err := c.call(ctx, queryText, scopeID)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}

	folded := textnorm.Fold(queryText, textnorm.Options{})
	if folded == queryText || folded == "" {
		return rows, nil
	}
	if c.metrics != nil {
		c.metrics.RemoteRetriesTotal.Inc()
	}
	c.logger.Debug("retrying remote search with folded query",
		"scope_id", scopeID)
	return c.call(ctx, folded, scopeID)
}

func (c *Client) call(ctx context.Context, queryText, scopeID string) ([]Row, error) {
	req := Query{
		QueryText:   queryText,
		ScopeID:     scopeID,
		ResultLimit: c.cfg.RemoteLimit,
	}

	var resp searchResponse
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, c.cfg.RemoteTimeout, "remote-search", func(ctx context.Context) error {
			return c.rpc.Call(ctx, "pages.search", req, &resp)
		})
	})
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.WithLabelValues("remote-search").Set(float64(c.breaker.GetState()))
	}
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, fmt.Errorf("remote search %q: %w", scopeID, errs.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: scope %q: %v", errs.ErrNetworkSearch, scopeID, err)
	}
	return resp.Rows, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}
