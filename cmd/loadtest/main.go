// loadtest drives a running viewerd instance: it opens a document set, waits
// for indexing, then hammers the search and navigation endpoints from
// concurrent workers and prints a latency report.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type config struct {
	baseURL     string
	concurrency int
	duration    time.Duration
	docs        []docSpec
}

type docSpec struct {
	id        string
	pageCount int
}

var queries = []string{
	"verba rescisória",
	"horas extras",
	"adicional de insalubridade",
	"João da Silva",
	"rescisão indireta",
	"aviso prévio",
	"dano moral",
	"justa causa",
	"vínculo empregatício",
	"férias proporcionais",
}

type stats struct {
	total       atomic.Int64
	success     atomic.Int64
	failures    atomic.Int64
	latencies   []time.Duration
	latenciesMu sync.Mutex
	byStatus    map[int]*atomic.Int64
	byStatusMu  sync.Mutex
}

func newStats() *stats {
	return &stats{
		latencies: make([]time.Duration, 0, 100000),
		byStatus:  make(map[int]*atomic.Int64),
	}
}

func (s *stats) record(d time.Duration, status int, err error) {
	s.total.Add(1)
	if err != nil {
		s.failures.Add(1)
		return
	}
	if status >= 200 && status < 300 {
		s.success.Add(1)
	} else {
		s.failures.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, d)
	s.latenciesMu.Unlock()

	s.byStatusMu.Lock()
	if _, ok := s.byStatus[status]; !ok {
		s.byStatus[status] = &atomic.Int64{}
	}
	s.byStatus[status].Add(1)
	s.byStatusMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the viewer service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	docsFlag := flag.String("docs", "decisao:12,anexos:4", "comma-separated id:pageCount document list")
	flag.Parse()

	docs, err := parseDocs(*docsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -docs: %v\n", err)
		os.Exit(1)
	}

	cfg := config{
		baseURL:     *baseURL,
		concurrency: *concurrency,
		duration:    *duration,
		docs:        docs,
	}

	fmt.Println("=== Viewer Engine Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.baseURL)
	fmt.Printf("Concurrency: %d\n", cfg.concurrency)
	fmt.Printf("Duration:    %s\n", cfg.duration)
	fmt.Printf("Documents:   %d\n", len(cfg.docs))
	fmt.Println()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency * 2,
			MaxIdleConnsPerHost: cfg.concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if err := openDocuments(client, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "opening document set: %v\n", err)
		os.Exit(1)
	}
	if err := waitIndexed(client, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "waiting for indexing: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Document set open, indexing complete.")

	st := run(client, cfg)
	report(st, cfg.duration)
}

func parseDocs(raw string) ([]docSpec, error) {
	var docs []docSpec
	for _, part := range strings.Split(raw, ",") {
		id, count, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("%q is not id:pageCount", part)
		}
		var pages int
		if _, err := fmt.Sscanf(count, "%d", &pages); err != nil || pages < 1 {
			return nil, fmt.Errorf("bad page count in %q", part)
		}
		docs = append(docs, docSpec{id: id, pageCount: pages})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents given")
	}
	return docs, nil
}

func openDocuments(client *http.Client, cfg config) error {
	type doc struct {
		ID        string `json:"id"`
		PageCount int    `json:"page_count"`
	}
	type size struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	body := struct {
		ViewerID  string `json:"viewer_id"`
		Documents []doc  `json:"documents"`
		PageSizes []size `json:"page_sizes"`
	}{ViewerID: "loadtest"}
	for _, d := range cfg.docs {
		body.Documents = append(body.Documents, doc{ID: d.id, PageCount: d.pageCount})
		for i := 0; i < d.pageCount; i++ {
			body.PageSizes = append(body.PageSizes, size{Width: 595, Height: 842})
		}
	}
	return postJSON(client, cfg.baseURL+"/v1/documents", body)
}

func waitIndexed(client *http.Client, cfg config) error {
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		resp, err := client.Get(cfg.baseURL + "/v1/state")
		if err != nil {
			return err
		}
		var state struct {
			IndexProgress struct {
				Current int `json:"current"`
				Total   int `json:"total"`
			} `json:"index_progress"`
		}
		err = json.NewDecoder(resp.Body).Decode(&state)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if state.IndexProgress.Total > 0 && state.IndexProgress.Current == state.IndexProgress.Total {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("indexing did not complete within a minute")
}

func postJSON(client *http.Client, url string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", url, resp.StatusCode, payload)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func run(client *http.Client, cfg config) *stats {
	st := newStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	totalPages := 0
	for _, d := range cfg.docs {
		totalPages += d.pageCount
	}

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID)))
			for i := workerID; ; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				// Mix of expensive searches and cheap reads, roughly
				// matching a reading session.
				switch i % 4 {
				case 0:
					st.record(timedSearch(ctx, client, cfg, queries[i%len(queries)]))
				case 1:
					st.record(timedGet(ctx, client, cfg.baseURL+"/v1/state"))
				case 2:
					scroll := rng.Float64() * float64(totalPages) * 842
					url := fmt.Sprintf("%s/v1/centered-page?scroll_top=%.0f&viewport_height=900", cfg.baseURL, scroll)
					st.record(timedGet(ctx, client, url))
				case 3:
					page := 1 + rng.Intn(totalPages)
					st.record(timedGet(ctx, client, fmt.Sprintf("%s/v1/rects?page=%d", cfg.baseURL, page)))
				}
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return st
}

func timedSearch(ctx context.Context, client *http.Client, cfg config, query string) (time.Duration, int, error) {
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]string{"query": query})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/search", &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return timedDo(client, req)
}

func timedGet(ctx context.Context, client *http.Client, url string) (time.Duration, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	return timedDo(client, req)
}

func timedDo(client *http.Client, req *http.Request) (time.Duration, int, error) {
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return elapsed, resp.StatusCode, nil
}

func report(st *stats, duration time.Duration) {
	total := st.total.Load()
	success := st.success.Load()
	failures := st.failures.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Failures:        %d\n", failures)

	if total > 0 {
		fmt.Printf("Failure Rate:    %.2f%%\n", float64(failures)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	st.latenciesMu.Lock()
	latencies := make([]time.Duration, len(st.latencies))
	copy(latencies, st.latencies)
	st.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", sum/time.Duration(len(latencies)))
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	st.byStatusMu.Lock()
	codes := make([]int, 0, len(st.byStatus))
	for code := range st.byStatus {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, st.byStatus[code].Load())
	}
	st.byStatusMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
