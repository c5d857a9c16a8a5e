// Package docset models the set of documents open in the viewer as an
// ordered, non-overlapping partition of the global page-number space. Global
// page numbers count continuously across all concatenated documents; local
// page numbers are per document. Both are 1-based.
package docset

// DocumentInfo describes one open document.
type DocumentInfo struct {
	ID        string `json:"id"`
	PageCount int    `json:"page_count"`
}

// DocumentPageInfo is one entry of the partition.
type DocumentPageInfo struct {
	DocumentIndex   int
	DocumentID      string
	PageCountInDoc  int
	GlobalPageStart int
	GlobalPageEnd   int
}

// Set is an immutable partition built from the ordered open-document list.
// It is rebuilt wholesale whenever the document set changes.
type Set struct {
	infos      []DocumentPageInfo
	byID       map[string]int
	totalPages int
}

// New builds the partition. Documents with zero pages occupy an empty range
// but keep their index so document order is stable.
func New(docs []DocumentInfo) *Set {
	s := &Set{
		infos: make([]DocumentPageInfo, 0, len(docs)),
		byID:  make(map[string]int, len(docs)),
	}
	next := 1
	for i, doc := range docs {
		info := DocumentPageInfo{
			DocumentIndex:   i,
			DocumentID:      doc.ID,
			PageCountInDoc:  doc.PageCount,
			GlobalPageStart: next,
			GlobalPageEnd:   next + doc.PageCount - 1,
		}
		s.infos = append(s.infos, info)
		s.byID[doc.ID] = i
		next += doc.PageCount
	}
	s.totalPages = next - 1
	return s
}

// TotalPages returns the size of the global page space.
func (s *Set) TotalPages() int {
	return s.totalPages
}

// Documents returns the partition entries in document order.
func (s *Set) Documents() []DocumentPageInfo {
	return s.infos
}

// ByID returns the partition entry for a document id.
func (s *Set) ByID(docID string) (DocumentPageInfo, bool) {
	i, ok := s.byID[docID]
	if !ok {
		return DocumentPageInfo{}, false
	}
	return s.infos[i], true
}

// Locate translates a global page number into (documentIndex, localPage).
func (s *Set) Locate(globalPage int) (docIndex int, localPage int, ok bool) {
	if globalPage < 1 || globalPage > s.totalPages {
		return 0, 0, false
	}
	// Linear over documents: open sets are small (a handful of case files),
	// and the partition is rebuilt rarely.
	for _, info := range s.infos {
		if globalPage >= info.GlobalPageStart && globalPage <= info.GlobalPageEnd {
			return info.DocumentIndex, globalPage - info.GlobalPageStart + 1, true
		}
	}
	return 0, 0, false
}

// GlobalPage translates (docID, localPage) into a global page number.
func (s *Set) GlobalPage(docID string, localPage int) (int, bool) {
	info, ok := s.ByID(docID)
	if !ok || localPage < 1 || localPage > info.PageCountInDoc {
		return 0, false
	}
	return info.GlobalPageStart + localPage - 1, true
}
