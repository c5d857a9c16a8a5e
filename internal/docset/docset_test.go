package docset

import "testing"

func testSet() *Set {
	return New([]DocumentInfo{
		{ID: "dec-10", PageCount: 3},
		{ID: "dec-11", PageCount: 1},
		{ID: "anexo-2", PageCount: 5},
	})
}

func TestPartitionIsContiguous(t *testing.T) {
	s := testSet()
	if s.TotalPages() != 9 {
		t.Fatalf("TotalPages = %d, want 9", s.TotalPages())
	}
	docs := s.Documents()
	next := 1
	for _, info := range docs {
		if info.GlobalPageStart != next {
			t.Errorf("doc %s starts at %d, want %d", info.DocumentID, info.GlobalPageStart, next)
		}
		if got := info.GlobalPageEnd - info.GlobalPageStart + 1; got != info.PageCountInDoc {
			t.Errorf("doc %s spans %d pages, want %d", info.DocumentID, got, info.PageCountInDoc)
		}
		next = info.GlobalPageEnd + 1
	}
}

func TestLocate(t *testing.T) {
	s := testSet()
	tests := []struct {
		global   int
		docIndex int
		local    int
		ok       bool
	}{
		{1, 0, 1, true},
		{3, 0, 3, true},
		{4, 1, 1, true},
		{5, 2, 1, true},
		{9, 2, 5, true},
		{0, 0, 0, false},
		{10, 0, 0, false},
	}
	for _, tt := range tests {
		docIndex, local, ok := s.Locate(tt.global)
		if docIndex != tt.docIndex || local != tt.local || ok != tt.ok {
			t.Errorf("Locate(%d) = (%d, %d, %v), want (%d, %d, %v)",
				tt.global, docIndex, local, ok, tt.docIndex, tt.local, tt.ok)
		}
	}
}

func TestGlobalPage(t *testing.T) {
	s := testSet()
	if g, ok := s.GlobalPage("anexo-2", 2); !ok || g != 6 {
		t.Errorf("GlobalPage(anexo-2, 2) = (%d, %v), want (6, true)", g, ok)
	}
	if _, ok := s.GlobalPage("anexo-2", 6); ok {
		t.Error("local page past document end accepted")
	}
	if _, ok := s.GlobalPage("unknown", 1); ok {
		t.Error("unknown document accepted")
	}
}

func TestZeroPageDocument(t *testing.T) {
	s := New([]DocumentInfo{
		{ID: "a", PageCount: 2},
		{ID: "empty", PageCount: 0},
		{ID: "b", PageCount: 1},
	})
	if s.TotalPages() != 3 {
		t.Fatalf("TotalPages = %d, want 3", s.TotalPages())
	}
	if doc, local, ok := s.Locate(3); !ok || doc != 2 || local != 1 {
		t.Errorf("Locate(3) = (%d, %d, %v), want (2, 1, true)", doc, local, ok)
	}
}
