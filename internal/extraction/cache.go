// Package extraction exposes the read-only text extraction cache: per
// document id, a mapping from local page number to already-extracted raw
// text, produced out-of-band by the PDF processing pipeline. The indexer is
// the main consumer; it never writes back.
package extraction

import (
	"context"
	"sync"
)

// Cache is the read-side contract. Page numbers are local to the document
// and 1-based. A missing page is (“”, false, nil), not an error; errors are
// reserved for backend failures.
type Cache interface {
	// PageText returns the raw extracted text of one page.
	PageText(ctx context.Context, docID string, pageNumber int) (string, bool, error)
	// PageCount returns the number of extracted pages known for a document.
	PageCount(ctx context.Context, docID string) (int, error)
}

// MemoryCache is an in-process Cache. It backs tests and embedding
// applications that already hold the extracted text.
type MemoryCache struct {
	mu    sync.RWMutex
	pages map[string]map[int]string
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{pages: make(map[string]map[int]string)}
}

// SetPage stores the extracted text of one page.
func (m *MemoryCache) SetPage(docID string, pageNumber int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.pages[docID]
	if !ok {
		doc = make(map[int]string)
		m.pages[docID] = doc
	}
	doc[pageNumber] = text
}

// SetDocument stores a whole document's pages; pages[i] becomes page i+1.
func (m *MemoryCache) SetDocument(docID string, pages []string) {
	for i, text := range pages {
		m.SetPage(docID, i+1, text)
	}
}

func (m *MemoryCache) PageText(_ context.Context, docID string, pageNumber int) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.pages[docID][pageNumber]
	return text, ok, nil
}

func (m *MemoryCache) PageCount(_ context.Context, docID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages[docID]), nil
}
