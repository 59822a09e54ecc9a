package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/averki/invopipe/internal/invoice"
)

const datePattern = `((?:\d{4}-\d{2}-\d{2})` +
	`|(?:\d{1,2}/\d{1,2}/\d{2,4})` +
	`|(?:(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}))`

var (
	reInvoiceNumber = regexp.MustCompile(`(?i)invoice\s*(?:number|no\.?|num|#)?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9/_-]*)`)
	reHashNumber    = regexp.MustCompile(`#\s*([A-Za-z0-9][A-Za-z0-9/_-]*)`)
	reInvoiceDate   = regexp.MustCompile(`(?i)(?:invoice\s*)?date\s*:?\s*` + datePattern)
	reDueDate       = regexp.MustCompile(`(?i)due\s*(?:date)?\s*:?\s*` + datePattern)
	reBareDate      = regexp.MustCompile(datePattern)
	reDue           = regexp.MustCompile(`(?i)\bdue\b`)
	reCurrencyCode  = regexp.MustCompile(`\b(USD|EUR|GBP|CAD|AUD|JPY|CHF)\b`)
	reHasDigit      = regexp.MustCompile(`\d`)
	reNonVendor     = regexp.MustCompile(`(?i)invoice|receipt|statement|bill\s+to|page\s+\d`)

	reSubtotalLabel = regexp.MustCompile(`(?i)\bsub\s*total\b`)
	reTotalDueLabel = regexp.MustCompile(`(?i)\b(?:balance\s+due|amount\s+due|total\s+due|grand\s+total)\b`)
	reTotalLabel    = regexp.MustCompile(`(?i)\btotal\b`)
	reTaxLabel      = regexp.MustCompile(`(?i)\b(?:tax|vat|gst)\b`)
	reShippingLabel = regexp.MustCompile(`(?i)\b(?:shipping|freight|delivery)\b`)
	reDiscountLabel = regexp.MustCompile(`(?i)\b(?:discount|savings|less)\b`)

	reAmount = regexp.MustCompile(`[$€£]?\s?\d{1,3}(?:[,.]\d{3})*(?:[,.]\d{1,2})?`)
	// Collapses stray spacing the layout pass can introduce around
	// separators inside one number ("1,234 . 56").
	reSplitSep = regexp.MustCompile(`\s*([.,])\s*(\d)`)
)

// DefaultRules is the standard invoice rule table. Order is free; ranking
// uses the explicit priorities.
func DefaultRules() []Rule {
	return []Rule{
		&lineRule{
			name: "invoice_number_label", field: invoice.FieldInvoiceNumber, priority: 100,
			re: reInvoiceNumber, confidence: 0.9, validate: hasDigit,
		},
		&lineRule{
			name: "invoice_number_hash", field: invoice.FieldInvoiceNumber, priority: 50,
			re: reHashNumber, confidence: 0.6, validate: hasDigit,
		},
		&lineRule{
			name: "invoice_date_label", field: invoice.FieldInvoiceDate, priority: 100,
			re: reInvoiceDate, confidence: 0.9, exclude: reDue,
		},
		&lineRule{
			name: "invoice_date_bare", field: invoice.FieldInvoiceDate, priority: 10,
			re: reBareDate, confidence: 0.4, exclude: reDue, firstOnly: true,
		},
		&lineRule{
			name: "due_date_label", field: invoice.FieldDueDate, priority: 100,
			re: reDueDate, confidence: 0.9,
		},
		&lineRule{
			name: "currency_code", field: invoice.FieldCurrency, priority: 100,
			re: reCurrencyCode, confidence: 0.9, firstOnly: true,
		},
		&currencySymbolRule{},
		&vendorRule{},
		&amountRule{name: "subtotal_label", field: invoice.FieldSubtotal, priority: 100, label: reSubtotalLabel, confidence: 0.9},
		&amountRule{name: "total_due_label", field: invoice.FieldTotalAmount, priority: 100, label: reTotalDueLabel, confidence: 0.9},
		&amountRule{name: "total_label", field: invoice.FieldTotalAmount, priority: 60, label: reTotalLabel, exclude: reSubtotalLabel, confidence: 0.8},
		&amountRule{name: "tax_label", field: invoice.FieldTaxAmount, priority: 100, label: reTaxLabel, confidence: 0.85},
		&amountRule{name: "shipping_label", field: invoice.FieldShippingAmount, priority: 100, label: reShippingLabel, confidence: 0.85},
		&amountRule{name: "discount_label", field: invoice.FieldDiscountAmount, priority: 100, label: reDiscountLabel, confidence: 0.8},
	}
}

func hasDigit(s string) bool { return reHasDigit.MatchString(s) }

// lineRule captures the first submatch of a regex applied per line.
type lineRule struct {
	name       string
	field      string
	priority   int
	re         *regexp.Regexp
	exclude    *regexp.Regexp
	confidence float64
	validate   func(string) bool
	firstOnly  bool
}

func (r *lineRule) Name() string  { return r.name }
func (r *lineRule) Field() string { return r.field }
func (r *lineRule) Priority() int { return r.priority }

func (r *lineRule) Match(doc *Document) []Candidate {
	var out []Candidate
	for _, line := range doc.Lines {
		if r.exclude != nil && r.exclude.MatchString(line.Text) {
			continue
		}
		m := r.re.FindStringSubmatch(line.Text)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[1])
		if value == "" || (r.validate != nil && !r.validate(value)) {
			continue
		}
		out = append(out, Candidate{Value: value, Confidence: r.confidence})
		if r.firstOnly {
			break
		}
	}
	return out
}

// amountRule anchors on a label and takes the trailing monetary value on
// the same line, falling back to a lone amount on the adjacent line below
// or above (stacked label/value layouts). A matched token that fails
// numeric parsing still yields a candidate, with confidence degraded to 0.
type amountRule struct {
	name       string
	field      string
	priority   int
	label      *regexp.Regexp
	exclude    *regexp.Regexp
	confidence float64
}

func (r *amountRule) Name() string  { return r.name }
func (r *amountRule) Field() string { return r.field }
func (r *amountRule) Priority() int { return r.priority }

func (r *amountRule) Match(doc *Document) []Candidate {
	var out []Candidate
	for i, line := range doc.Lines {
		if !r.label.MatchString(line.Text) {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(line.Text) {
			continue
		}

		if raw, ok := lastAmountText(line.Text); ok {
			out = append(out, r.candidate(raw, 0, 0))
			continue
		}
		// Stacked layout: the value sits alone on a neighboring line.
		for dist, j := range []int{i + 1, i - 1} {
			if j < 0 || j >= len(doc.Lines) {
				continue
			}
			if raw, ok := soleAmountText(doc.Lines[j].Text); ok {
				out = append(out, r.candidate(raw, 0.1, float64(dist+1)))
				break
			}
		}
	}
	return out
}

func (r *amountRule) candidate(raw string, penalty, labelDist float64) Candidate {
	v, err := ParseAmount(raw)
	if err != nil {
		return Candidate{Value: raw, Confidence: 0, labelDist: labelDist}
	}
	conf := r.confidence - penalty
	if conf < 0 {
		conf = 0
	}
	return Candidate{Value: invoice.FormatAmount(v), Confidence: conf, labelDist: labelDist}
}

// lastAmountText returns the rightmost monetary-looking run in a line.
func lastAmountText(text string) (string, bool) {
	joined := reSplitSep.ReplaceAllString(text, "$1$2")
	matches := reAmount.FindAllString(joined, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := strings.TrimSpace(matches[i])
		if reHasDigit.MatchString(m) {
			return m, true
		}
	}
	return "", false
}

// soleAmountText matches a line that holds nothing but one amount.
func soleAmountText(text string) (string, bool) {
	joined := strings.TrimSpace(reSplitSep.ReplaceAllString(text, "$1$2"))
	if joined == "" {
		return "", false
	}
	if m := reAmount.FindString(joined); m == joined {
		return joined, true
	}
	return "", false
}

// vendorRule proposes the topmost first-page line that reads like a
// company name: has letters, no digits, and none of the boilerplate words.
type vendorRule struct{}

func (vendorRule) Name() string  { return "vendor_top_line" }
func (vendorRule) Field() string { return invoice.FieldVendor }
func (vendorRule) Priority() int { return 50 }

func (vendorRule) Match(doc *Document) []Candidate {
	for _, line := range doc.Lines {
		if line.Page != 1 {
			break
		}
		text := strings.TrimSpace(line.Text)
		if text == "" || reHasDigit.MatchString(text) || reNonVendor.MatchString(text) {
			continue
		}
		if !strings.ContainsFunc(text, unicode.IsLetter) {
			continue
		}
		return []Candidate{{Value: text, Confidence: 0.55}}
	}
	return nil
}

// currencySymbolRule infers the currency from the first symbol seen.
type currencySymbolRule struct{}

func (currencySymbolRule) Name() string  { return "currency_symbol" }
func (currencySymbolRule) Field() string { return invoice.FieldCurrency }
func (currencySymbolRule) Priority() int { return 40 }

var symbolCurrencies = []struct {
	symbol string
	code   string
}{
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

func (currencySymbolRule) Match(doc *Document) []Candidate {
	for _, line := range doc.Lines {
		for _, sc := range symbolCurrencies {
			if strings.Contains(line.Text, sc.symbol) {
				return []Candidate{{Value: sc.code, Confidence: 0.7}}
			}
		}
	}
	return nil
}

// deriveMissingAmounts back-fills exactly one of tax/shipping from the
// difference between total and subtotal when the other is known. Derived
// values carry reduced confidence.
func deriveMissingAmounts(winners map[string]Candidate) {
	amount := func(field string) (float64, bool) {
		c, ok := winners[field]
		if !ok || c.Confidence == 0 {
			return 0, false
		}
		v, err := ParseAmount(c.Value)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	total, okTotal := amount(invoice.FieldTotalAmount)
	subtotal, okSub := amount(invoice.FieldSubtotal)
	if !okTotal || !okSub {
		return
	}
	discount, _ := amount(invoice.FieldDiscountAmount)
	diff := total - (subtotal - discount)
	if diff <= 0 {
		return
	}

	tax, okTax := amount(invoice.FieldTaxAmount)
	shipping, okShip := amount(invoice.FieldShippingAmount)

	switch {
	case okTax && !okShip:
		if v := diff - tax; v > 0.005 {
			winners[invoice.FieldShippingAmount] = Candidate{
				Field:      invoice.FieldShippingAmount,
				Value:      invoice.FormatAmount(v),
				Confidence: 0.5,
				Rule:       "derived_from_totals",
			}
		}
	case okShip && !okTax:
		if v := diff - shipping; v > 0.005 {
			winners[invoice.FieldTaxAmount] = Candidate{
				Field:      invoice.FieldTaxAmount,
				Value:      invoice.FormatAmount(v),
				Confidence: 0.5,
				Rule:       "derived_from_totals",
			}
		}
	}
}
