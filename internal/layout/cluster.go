package layout

import (
	"sort"
	"strings"
)

// sortReadingOrder orders tokens page by page, top to bottom, left to
// right within a band. Y grows upward in PDF coordinates, so top-down
// means descending Y. Tokens are sorted by (page, Y) first and bucketed
// into bands before the X ordering: a within-band comparator alone is not
// transitive when a sloping chain of tokens spans more than bandHeight.
func sortReadingOrder(tokens []Token, bandHeight float64) {
	sort.SliceStable(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.Y > b.Y
	})

	// Bands are now contiguous runs anchored at their topmost token, the
	// same grouping Bands applies. Order each run by X.
	start := 0
	for i := 1; i <= len(tokens); i++ {
		if i < len(tokens) &&
			tokens[i].Page == tokens[start].Page &&
			tokens[start].Y-tokens[i].Y <= bandHeight {
			continue
		}
		band := tokens[start:i]
		sort.SliceStable(band, func(a, b int) bool { return band[a].X < band[b].X })
		start = i
	}
}

// Bands groups tokens into horizontal line bands. Tokens must already be in
// reading order. Each band holds the tokens of one visual line, left to
// right; bands are returned top to bottom across pages.
func Bands(tokens []Token, bandHeight float64) [][]Token {
	if bandHeight <= 0 {
		bandHeight = DefaultBandHeight
	}
	var bands [][]Token
	for _, t := range tokens {
		if n := len(bands); n > 0 {
			last := bands[n-1]
			anchor := last[0]
			if t.Page == anchor.Page && anchor.Y-t.Y <= bandHeight {
				bands[n-1] = append(last, t)
				continue
			}
		}
		bands = append(bands, []Token{t})
	}
	for _, band := range bands {
		sort.SliceStable(band, func(i, j int) bool { return band[i].X < band[j].X })
	}
	return bands
}

// BandText joins a band's token texts with single spaces.
func BandText(band []Token) string {
	parts := make([]string, len(band))
	for i, t := range band {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}
