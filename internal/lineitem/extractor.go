package lineitem

import (
	"math"
	"regexp"
	"strings"

	"github.com/averki/invopipe/internal/extract"
	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/layout"
)

var (
	reDescHeader   = regexp.MustCompile(`(?i)\b(description|item|product|details?)\b`)
	reQtyHeader    = regexp.MustCompile(`(?i)\b(qty|quantity)\b`)
	rePriceHeader  = regexp.MustCompile(`(?i)\b(price|rate|cost)\b`)
	reAmountHeader = regexp.MustCompile(`(?i)\b(amount|total)\b`)
	reTableEnd     = regexp.MustCompile(`(?i)\b(sub\s*total|total|balance\s+due|amount\s+due)\b`)
	reNumeric      = regexp.MustCompile(`^[$€£]?\s?\d[\d,.\s]*$`)
)

type columnKind int

const (
	colDescription columnKind = iota
	colQuantity
	colUnitPrice
	colAmount
)

type column struct {
	kind columnKind
	x    float64
}

// Extractor segments the invoice's item table into rows and maps columns
// to (description, quantity, unit price, amount). Every visible row inside
// the table region appears in the output; rows that cannot be resolved are
// flagged, never dropped.
type Extractor struct {
	BandHeight float64
	Tolerance  float64
}

func NewExtractor(bandHeight, tolerance float64) *Extractor {
	if bandHeight <= 0 {
		bandHeight = layout.DefaultBandHeight
	}
	if tolerance <= 0 {
		tolerance = invoice.DefaultTolerance
	}
	return &Extractor{BandHeight: bandHeight, Tolerance: tolerance}
}

// Extract returns the document's line items. A document without a
// recognizable table yields an empty result, which is a valid state.
func (e *Extractor) Extract(tokens []layout.Token) []invoice.LineItem {
	bands := layout.Bands(tokens, e.BandHeight)

	headerIdx, columns := findHeader(bands)
	if headerIdx < 0 {
		return nil
	}

	var items []invoice.LineItem
	for _, band := range bands[headerIdx+1:] {
		if reTableEnd.MatchString(layout.BandText(band)) {
			break
		}
		if item, ok := e.mapRow(band, columns); ok {
			items = append(items, item)
		}
	}
	return items
}

// findHeader locates the table's header band and derives column anchor
// positions from the header token layout.
func findHeader(bands [][]layout.Token) (int, []column) {
	for i, band := range bands {
		text := layout.BandText(band)
		if !reDescHeader.MatchString(text) {
			continue
		}
		if !reQtyHeader.MatchString(text) && !rePriceHeader.MatchString(text) && !reAmountHeader.MatchString(text) {
			continue
		}

		var columns []column
		for _, t := range band {
			switch {
			case reQtyHeader.MatchString(t.Text):
				columns = append(columns, column{kind: colQuantity, x: t.X})
			case rePriceHeader.MatchString(t.Text):
				columns = append(columns, column{kind: colUnitPrice, x: t.X})
			case reAmountHeader.MatchString(t.Text):
				columns = append(columns, column{kind: colAmount, x: t.X})
			case reDescHeader.MatchString(t.Text):
				columns = append(columns, column{kind: colDescription, x: t.X})
			}
		}
		if len(columns) >= 2 {
			return i, columns
		}
	}
	return -1, nil
}

// mapRow assigns a row band's tokens to the header's columns and builds
// one LineItem. Rows without a resolvable quantity and unit price keep the
// trailing numeric token as their amount and are flagged low_confidence.
func (e *Extractor) mapRow(band []layout.Token, columns []column) (invoice.LineItem, bool) {
	if len(band) == 0 {
		return invoice.LineItem{}, false
	}

	cells := make(map[columnKind][]string)
	for _, t := range band {
		kind := nearestColumn(columns, t)
		cells[kind] = append(cells[kind], t.Text)
	}

	item := invoice.LineItem{
		Description: strings.Join(cells[colDescription], " "),
	}

	qty, qtyOK := parseCell(cells[colQuantity])
	price, priceOK := parseCell(cells[colUnitPrice])
	amount, amountOK := parseCell(cells[colAmount])

	if qtyOK && priceOK {
		item.Quantity = qty
		item.UnitPrice = price
		if amountOK {
			item.Amount = amount
		} else {
			item.Amount = qty * price
		}
		return item, true
	}

	// Unresolved quantity or price: fall back to the row's trailing
	// numeric token so the row still shows up for audit.
	item.LowConfidence = true
	if amountOK {
		item.Amount = amount
	} else if v, ok := trailingNumeric(band); ok {
		item.Amount = v
	}
	if item.Description == "" {
		item.Description = layout.BandText(band)
	}
	return item, true
}

// nearestColumn picks the column whose anchor X is closest to the token.
func nearestColumn(columns []column, t layout.Token) columnKind {
	best := columns[0].kind
	bestDist := math.Abs(columns[0].x - t.X)
	for _, c := range columns[1:] {
		if d := math.Abs(c.x - t.X); d < bestDist {
			best = c.kind
			bestDist = d
		}
	}
	return best
}

func parseCell(parts []string) (float64, bool) {
	joined := strings.TrimSpace(strings.Join(parts, ""))
	if joined == "" || !reNumeric.MatchString(joined) {
		return 0, false
	}
	v, err := extract.ParseAmount(joined)
	if err != nil {
		return 0, false
	}
	return v, true
}

func trailingNumeric(band []layout.Token) (float64, bool) {
	for i := len(band) - 1; i >= 0; i-- {
		if !reNumeric.MatchString(band[i].Text) {
			continue
		}
		if v, err := extract.ParseAmount(band[i].Text); err == nil {
			return v, true
		}
	}
	return 0, false
}
