// Package events batches viewer analytics events and flushes them to Kafka.
// Emission is fire-and-forget: a broker outage drops events after a bounded
// re-queue, it never stalls the viewer.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caselens/viewercore/pkg/kafka"
)

// Kind labels what happened in the viewer.
type Kind string

const (
	KindSearchCommitted   Kind = "search_committed"
	KindPageViewed        Kind = "page_viewed"
	KindRotationPersisted Kind = "rotation_persisted"
	KindIndexingCompleted Kind = "indexing_completed"
)

// Event is one viewer analytics record.
type Event struct {
	Kind        Kind      `json:"kind"`
	ViewerID    string    `json:"viewer_id,omitempty"`
	DocumentID  string    `json:"document_id,omitempty"`
	Page        int       `json:"page,omitempty"`
	Query       string    `json:"query,omitempty"`
	ResultCount int       `json:"result_count,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher is the transport behind the collector. *kafka.Producer satisfies
// it; tests plug in fakes.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector accumulates events and flushes them either when the batch
// reaches batchSize or after flushInterval, whichever comes first.
type Collector struct {
	publisher     Publisher
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewCollector builds a Collector over the given publisher.
func NewCollector(publisher Publisher, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "events-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is
// cancelled and then performs one final flush with a short deadline.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("events collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track buffers one event, stamping it if the caller did not. Reaching the
// batch size triggers an immediate background flush.
func (c *Collector) Track(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	key := event.ViewerID
	if key == "" {
		key = event.DocumentID
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: key, Value: event})
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		go c.flush(context.Background())
	}
}

// Close waits for the background flush loop to finish.
func (c *Collector) Close() {
	<-c.done
}

// BufferLen returns the current number of buffered events.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		// Re-queue, capped so a dead broker cannot grow the buffer forever.
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if max := c.batchSize * 3; len(c.buffer) > max {
			c.logger.Warn("buffer overflow, events dropped", "dropped", len(c.buffer)-max)
			c.buffer = c.buffer[:max]
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("batch flushed", "events", len(batch))
}
