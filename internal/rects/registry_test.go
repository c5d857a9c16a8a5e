package rects

import (
	"context"
	"testing"
	"time"

	"github.com/caselens/viewercore/pkg/config"
)

func TestWireSpanRangeRect(t *testing.T) {
	span := WireSpan{SpanText: "JOÃO DA SILVA", X: 10, Y: 20, Width: 130, Height: 12}

	rect, ok := span.RangeRect(5, 7) // "DA"
	if !ok {
		t.Fatal("RangeRect returned no rect")
	}
	if rect.X != 60 || rect.Width != 20 {
		t.Errorf("rect = %+v, want X=60 Width=20", rect)
	}

	if _, ok := span.RangeRect(7, 5); ok {
		t.Error("inverted range should not resolve")
	}
	if _, ok := span.RangeRect(0, 99); ok {
		t.Error("out-of-bounds range should not resolve")
	}
}

func TestRegistryPublishWakesWaiter(t *testing.T) {
	reg := NewLayerRegistry()
	provider := NewPollingProvider(reg, config.ResolverConfig{
		MaxAttempts:   50,
		FrameInterval: 2 * time.Millisecond,
	}, nil)

	// Mounted but empty: the provider has to park on the notifier.
	reg.SetLayer(3, WireLayer{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.SetLayer(3, WireLayer{Spans: []WireSpan{
			{SpanText: "verba", X: 0, Y: 0, Width: 50, Height: 10},
		}})
	}()

	handle, err := provider.WaitForPage(context.Background(), 3)
	if err != nil {
		t.Fatalf("WaitForPage: %v", err)
	}
	if len(handle.Spans()) != 1 {
		t.Errorf("spans = %d, want 1", len(handle.Spans()))
	}
}

func TestRegistryClearUnmountsPage(t *testing.T) {
	reg := NewLayerRegistry()
	reg.SetLayer(1, WireLayer{Spans: []WireSpan{{SpanText: "x", Width: 5, Height: 5}}})

	if _, ok := reg.PageContainer(1); !ok {
		t.Fatal("page 1 should be mounted")
	}
	reg.ClearPage(1)
	if _, ok := reg.PageContainer(1); ok {
		t.Error("page 1 should be unmounted after ClearPage")
	}

	reg.SetLayer(2, WireLayer{})
	reg.Clear()
	if _, ok := reg.PageContainer(2); ok {
		t.Error("Clear should drop every layer")
	}
}
