package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caselens/viewercore/pkg/kafka"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakePublisher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestTrackFlushesOnBatchSize(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 3, time.Hour)

	c.Track(Event{Kind: KindPageViewed, ViewerID: "v1", Page: 1})
	c.Track(Event{Kind: KindPageViewed, ViewerID: "v1", Page: 2})
	if pub.total() != 0 {
		t.Fatal("flushed before reaching batch size")
	}
	c.Track(Event{Kind: KindSearchCommitted, ViewerID: "v1", Query: "verba"})

	deadline := time.Now().Add(2 * time.Second)
	for pub.total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("batch never flushed, published=%d", pub.total())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if c.BufferLen() != 0 {
		t.Errorf("buffer not drained: %d", c.BufferLen())
	}
}

func TestIntervalFlushAndShutdown(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 100, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(Event{Kind: KindRotationPersisted, DocumentID: "dec-1"})
	deadline := time.Now().Add(2 * time.Second)
	for pub.total() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	c.Track(Event{Kind: KindIndexingCompleted, DocumentID: "dec-1"})
	cancel()
	c.Close()
	if pub.total() != 2 {
		t.Errorf("published = %d, want the shutdown flush to drain the buffer", pub.total())
	}
}

func TestFailedFlushRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, 100, time.Hour)

	c.Track(Event{Kind: KindPageViewed, ViewerID: "v1", Page: 1})
	c.flush(context.Background())
	if c.BufferLen() != 1 {
		t.Fatalf("buffer = %d, want the failed event re-queued", c.BufferLen())
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	c.flush(context.Background())
	if pub.total() != 1 || c.BufferLen() != 0 {
		t.Errorf("retry flush: published=%d buffered=%d", pub.total(), c.BufferLen())
	}
}

func TestTrackStampsTimestampAndKey(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 1, time.Hour)
	c.Track(Event{Kind: KindPageViewed, DocumentID: "dec-1", Page: 4})

	deadline := time.Now().Add(2 * time.Second)
	for pub.total() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("never flushed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	msg := pub.batches[0][0]
	if msg.Key != "dec-1" {
		t.Errorf("key = %q, want the document id fallback", msg.Key)
	}
	if msg.Value.(Event).Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}
