package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache()
	m.SetDocument("doc-1", []string{"primeira página", "segunda página"})
	m.SetPage("doc-2", 5, "página avulsa")

	text, ok, err := m.PageText(ctx, "doc-1", 2)
	if err != nil || !ok || text != "segunda página" {
		t.Errorf("PageText(doc-1, 2) = (%q, %v, %v)", text, ok, err)
	}
	if _, ok, _ := m.PageText(ctx, "doc-1", 3); ok {
		t.Error("missing page reported present")
	}
	if n, _ := m.PageCount(ctx, "doc-1"); n != 2 {
		t.Errorf("PageCount(doc-1) = %d, want 2", n)
	}
	if n, _ := m.PageCount(ctx, "nope"); n != 0 {
		t.Errorf("PageCount(nope) = %d, want 0", n)
	}
}

func TestParsePageName(t *testing.T) {
	tests := []struct {
		name string
		n    int
		ok   bool
	}{
		{"page-1.txt", 1, true},
		{"page-120.txt", 120, true},
		{"page-0.txt", 0, false},
		{"page-x.txt", 0, false},
		{"page-1.pdf", 0, false},
		{"1.txt", 0, false},
	}
	for _, tt := range tests {
		n, ok := parsePageName(tt.name)
		if n != tt.n || ok != tt.ok {
			t.Errorf("parsePageName(%q) = (%d, %v), want (%d, %v)", tt.name, n, ok, tt.n, tt.ok)
		}
	}
}

func TestDirCacheScanAndWatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	docDir := filepath.Join(root, "doc-1")
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(docDir, "page-1.txt"), []byte("texto da página um"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache, err := NewDirCache(root)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	text, ok, err := cache.PageText(ctx, "doc-1", 1)
	if err != nil || !ok || text != "texto da página um" {
		t.Fatalf("PageText after scan = (%q, %v, %v)", text, ok, err)
	}

	// A page written after startup must become visible via the watcher.
	if err := os.WriteFile(filepath.Join(docDir, "page-2.txt"), []byte("página dois"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if n, _ := cache.PageCount(ctx, "doc-1"); n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never picked up page-2.txt")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
