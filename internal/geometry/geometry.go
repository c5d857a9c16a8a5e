// Package geometry maps continuous-scroll positions to page numbers. It
// keeps two monotonic arrays, cumulative page tops and bottoms, derived from
// each page's effective height under the current zoom and rotation, and
// binary-searches them instead of walking the page list on every scroll
// event.
package geometry

import (
	"math"
	"sort"
	"sync"
)

// PageSize is the unrotated, unscaled size of one page.
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Index answers "which page is centered in the viewport" for a vertical
// stack of pages separated by a fixed gap. Layout arrays are memoized and
// rebuilt only when zoom, a rotation, or the page dimensions change.
type Index struct {
	gap float64

	mu        sync.Mutex
	sizes     []PageSize
	rotations map[int]int
	zoom      float64
	tops      []float64
	bottoms   []float64
	dirty     bool
}

func New(gap float64) *Index {
	return &Index{
		gap:       gap,
		rotations: make(map[int]int),
		zoom:      1,
		dirty:     true,
	}
}

// SetPages installs the page dimensions, in page order.
func (ix *Index) SetPages(sizes []PageSize) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.sizes = append([]PageSize(nil), sizes...)
	ix.dirty = true
}

// SetZoom updates the zoom scale. Non-positive values are ignored.
func (ix *Index) SetZoom(zoom float64) {
	if zoom <= 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.zoom != zoom {
		ix.zoom = zoom
		ix.dirty = true
	}
}

// SetRotation records a page's rotation in degrees. A page rotated 90 or 270
// swaps width and height in the layout.
func (ix *Index) SetRotation(pageNumber, degrees int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	deg := ((degrees % 360) + 360) % 360
	if ix.rotations[pageNumber] != deg {
		ix.rotations[pageNumber] = deg
		ix.dirty = true
	}
}

// SetRotations replaces the whole rotation map.
func (ix *Index) SetRotations(rotations map[int]int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rotations = make(map[int]int, len(rotations))
	for page, deg := range rotations {
		ix.rotations[page] = ((deg % 360) + 360) % 360
	}
	ix.dirty = true
}

// PageTop returns the scroll offset of the page's top edge.
func (ix *Index) PageTop(pageNumber int) (float64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuild()
	if pageNumber < 1 || pageNumber > len(ix.tops) {
		return 0, false
	}
	return ix.tops[pageNumber-1], true
}

// TotalHeight returns the height of the whole page stack.
func (ix *Index) TotalHeight() float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuild()
	if len(ix.bottoms) == 0 {
		return 0
	}
	return ix.bottoms[len(ix.bottoms)-1]
}

// CenteredPage returns the 1-based page whose vertical center is nearest the
// viewport's center, among the pages intersecting the viewport. Exact ties
// go to the lower page number. When no page intersects the viewport (gap or
// overscroll), the page straddling the viewport center is looked up
// directly. Returns 0 when there are no pages.
func (ix *Index) CenteredPage(scrollTop, viewportHeight float64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuild()

	n := len(ix.tops)
	if n == 0 {
		return 0
	}
	viewBottom := scrollTop + viewportHeight
	viewCenter := scrollTop + viewportHeight/2

	// First page whose bottom reaches the viewport top.
	first := sort.Search(n, func(i int) bool { return ix.bottoms[i] >= scrollTop })
	// Last page whose top is inside the viewport.
	last := sort.Search(n, func(i int) bool { return ix.tops[i] > viewBottom }) - 1

	if first >= n || last < first {
		return ix.pageAt(viewCenter)
	}

	best, bestDist := first, math.Inf(1)
	for i := first; i <= last; i++ {
		center := (ix.tops[i] + ix.bottoms[i]) / 2
		dist := math.Abs(center - viewCenter)
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best + 1
}

// pageAt finds the page containing offset, clamping past either end.
func (ix *Index) pageAt(offset float64) int {
	n := len(ix.tops)
	i := sort.Search(n, func(i int) bool { return ix.bottoms[i] >= offset })
	if i >= n {
		i = n - 1
	}
	return i + 1
}

// rebuild recomputes the cumulative offset arrays if anything changed since
// the last layout. Callers hold ix.mu.
func (ix *Index) rebuild() {
	if !ix.dirty {
		return
	}
	ix.tops = make([]float64, len(ix.sizes))
	ix.bottoms = make([]float64, len(ix.sizes))
	offset := 0.0
	for i, size := range ix.sizes {
		h := size.Height
		switch ix.rotations[i+1] {
		case 90, 270:
			h = size.Width
		}
		h *= ix.zoom
		ix.tops[i] = offset
		ix.bottoms[i] = offset + h
		offset = ix.bottoms[i] + ix.gap*ix.zoom
	}
	ix.dirty = false
}
