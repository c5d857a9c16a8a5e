package remote

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/caselens/viewercore/pkg/config"
	"github.com/caselens/viewercore/pkg/rpc"
)

func startServer(t *testing.T, handler rpc.HandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rpc.NewServer()
	srv.Register("pages.search", handler)
	go srv.ServeListener(ln)
	t.Cleanup(srv.Stop)
	return ln.Addr().String()
}

func testClient(addr string) *Client {
	return NewClient(config.SearchConfig{
		RemoteAddr:    addr,
		RemoteTimeout: 2 * time.Second,
		RemoteLimit:   50,
	}, nil)
}

func TestSearchReturnsRows(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var q Query
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		if q.ScopeID != "dec-1" || q.ResultLimit != 50 {
			t.Errorf("unexpected query: %+v", q)
		}
		return searchResponse{Rows: []Row{
			{DocumentID: "dec-1", PageNumber: 3, MatchText: q.QueryText, SequenceOrder: 0},
		}}, nil
	})

	c := testClient(addr)
	defer c.Close()

	rows, err := c.Search(context.Background(), "rescisão", "dec-1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 1 || rows[0].PageNumber != 3 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestSearchRetriesWithFoldedQuery(t *testing.T) {
	var queries []string
	addr := startServer(t, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var q Query
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		queries = append(queries, q.QueryText)
		// The service only knows the accent-stripped form.
		if q.QueryText == "joao" {
			return searchResponse{Rows: []Row{{DocumentID: "dec-1", PageNumber: 1, MatchText: "joao"}}}, nil
		}
		return searchResponse{}, nil
	})

	c := testClient(addr)
	defer c.Close()

	rows, err := c.Search(context.Background(), "João", "dec-1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected folded retry to find the row, got %+v", rows)
	}
	if len(queries) != 2 || queries[0] != "João" || queries[1] != "joao" {
		t.Errorf("queries sent = %v", queries)
	}
}

func TestSearchNoRetryWhenFoldIsIdentity(t *testing.T) {
	calls := 0
	addr := startServer(t, func(ctx context.Context, raw json.RawMessage) (any, error) {
		calls++
		return searchResponse{}, nil
	})

	c := testClient(addr)
	defer c.Close()

	rows, err := c.Search(context.Background(), "contrato", "dec-1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %+v", rows)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (query already folded)", calls)
	}
}

func TestSearchCancellation(t *testing.T) {
	addr := startServer(t, func(ctx context.Context, raw json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return searchResponse{}, nil
		}
	})

	c := testClient(addr)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Search(ctx, "rescisão", "dec-1"); err == nil {
		t.Fatal("expected error after cancellation")
	}
}
