// Package textnorm provides the reversible text folding used by the search
// pipeline. Folding strips diacritics, casefolds, and collapses whitespace so
// that loosely-typed queries match accented page text; the index-map variant
// records, for every emitted rune, the source rune that produced it, which
// lets a match found in folded space be translated back into an exact range
// over the original page text.
package textnorm

import (
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizedText pairs a folded string with a per-rune map back into the
// source string. IndexMap[i] is the rune offset in the source that produced
// rune i of Normalized. Invariant: len(IndexMap) equals the rune length of
// Normalized.
type NormalizedText struct {
	Normalized string
	IndexMap   []int
}

// Options controls which folds are applied. The zero value applies all of
// them, which is the behavior search uses by default.
type Options struct {
	// KeepCase disables casefolding (match-case searches).
	KeepCase bool
	// KeepDiacritics disables canonical decomposition and combining-mark
	// removal (match-diacritics searches).
	KeepDiacritics bool
}

// Normalize fully folds text: NFD decomposition, combining marks stripped,
// casefolded, whitespace runs collapsed to a single space, trimmed.
// Normalize is idempotent.
func Normalize(text string) string {
	return Fold(text, Options{})
}

// NormalizeWithMap is Normalize plus the source index map.
func NormalizeWithMap(text string) NormalizedText {
	return FoldWithMap(text, Options{})
}

// Fold applies the folds selected by opts without building an index map.
func Fold(text string, opts Options) string {
	return FoldWithMap(text, opts).Normalized
}

// FoldWithMap applies the folds selected by opts, recording for every emitted
// rune the rune offset of the source character that produced it. A collapsed
// whitespace run maps its single output space to the run's first whitespace
// rune. Whitespace collapse and trimming always apply regardless of opts.
func FoldWithMap(text string, opts Options) NormalizedText {
	out := make([]rune, 0, len(text))
	idx := make([]int, 0, len(text))
	inSpace := false

	src := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !inSpace && len(out) > 0 {
				out = append(out, ' ')
				idx = append(idx, src)
			}
			inSpace = true
			src++
			continue
		}
		inSpace = false

		if opts.KeepDiacritics {
			out = append(out, caseFold(r, opts))
			idx = append(idx, src)
			src++
			continue
		}
		for _, dr := range norm.NFD.String(string(r)) {
			if unicode.Is(unicode.Mn, dr) {
				continue
			}
			out = append(out, caseFold(dr, opts))
			idx = append(idx, src)
		}
		src++
	}

	// A trailing whitespace run was never emitted (inSpace suppresses it only
	// mid-run), so only a single trailing space can remain.
	if n := len(out); n > 0 && out[n-1] == ' ' {
		out = out[:n-1]
		idx = idx[:n-1]
	}

	return NormalizedText{Normalized: string(out), IndexMap: idx}
}

// SourceRange translates a rune range [start, end) over nt.Normalized back
// into a rune range over the source string. The returned range covers every
// source rune that contributed to the normalized range. Returns (0, 0) for
// an empty or out-of-bounds range.
func (nt NormalizedText) SourceRange(start, end int) (int, int) {
	if start < 0 || end <= start || end > len(nt.IndexMap) {
		return 0, 0
	}
	return nt.IndexMap[start], nt.IndexMap[end-1] + 1
}

// RuneLen returns the rune length of the normalized form.
func (nt NormalizedText) RuneLen() int {
	return len(nt.IndexMap)
}

func caseFold(r rune, opts Options) rune {
	if opts.KeepCase {
		return r
	}
	return unicode.ToLower(r)
}
