package invoice

import (
	"errors"
	"strconv"
	"time"
)

// ErrUnknownField is returned when a patch names a field that is not part
// of the invoice header field set.
var ErrUnknownField = errors.New("unknown field")

// Source tags where a field value came from.
type Source string

const (
	SourceParsed Source = "parsed"
	SourceManual Source = "manual"
)

// Header field names. These are the only fields a patch may target.
const (
	FieldVendor         = "vendor"
	FieldInvoiceNumber  = "invoice_number"
	FieldInvoiceDate    = "invoice_date"
	FieldDueDate        = "due_date"
	FieldSubtotal       = "subtotal"
	FieldTaxAmount      = "tax_amount"
	FieldDiscountAmount = "discount_amount"
	FieldShippingAmount = "shipping_amount"
	FieldTotalAmount    = "total_amount"
	FieldCurrency       = "currency"
)

// HeaderFields lists all header fields in export column order.
var HeaderFields = []string{
	FieldVendor,
	FieldInvoiceNumber,
	FieldInvoiceDate,
	FieldDueDate,
	FieldSubtotal,
	FieldTaxAmount,
	FieldDiscountAmount,
	FieldShippingAmount,
	FieldTotalAmount,
	FieldCurrency,
}

// AmountFields are the header fields holding monetary values.
var AmountFields = []string{
	FieldSubtotal,
	FieldTaxAmount,
	FieldDiscountAmount,
	FieldShippingAmount,
	FieldTotalAmount,
}

// IsHeaderField reports whether name is a recognized header field.
func IsHeaderField(name string) bool {
	for _, f := range HeaderFields {
		if f == name {
			return true
		}
	}
	return false
}

// FieldValue is one entry of a record's field map. Amounts are stored in
// canonical form ("1234.56") so they survive JSON round trips unchanged.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// LineItem is one row of the invoice's item table. Rows are never dropped:
// a row that could not be fully resolved is flagged instead.
type LineItem struct {
	Description   string  `json:"description"`
	Quantity      float64 `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	Amount        float64 `json:"amount"`
	Inconsistent  bool    `json:"inconsistent,omitempty"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Patch is a manual override of a single header field.
type Patch struct {
	Field     string    `json:"field_name"`
	Value     string    `json:"new_value"`
	AppliedAt time.Time `json:"applied_at"`
}

// Record is the assembled invoice. It is created once by Assemble and
// mutated only through Apply; extraction results themselves stay immutable.
type Record struct {
	ID                    string                  `json:"id"`
	FileName              string                  `json:"file_name"`
	ParsedAt              time.Time               `json:"parsed_timestamp"`
	Fields                map[string]FieldValue   `json:"fields"`
	History               map[string][]FieldValue `json:"history,omitempty"`
	LineItems             []LineItem              `json:"line_items"`
	ReconciliationWarning bool                    `json:"reconciliation_warning"`
	OverallConfidence     float64                 `json:"overall_confidence"`
}

// Clone returns a deep copy of the record. The session store clones on
// every boundary crossing so readers never alias a record a concurrent
// patch is mutating.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = make(map[string]FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	if r.History != nil {
		cp.History = make(map[string][]FieldValue, len(r.History))
		for k, v := range r.History {
			cp.History[k] = append([]FieldValue(nil), v...)
		}
	}
	cp.LineItems = append([]LineItem(nil), r.LineItems...)
	return &cp
}

// Field returns the record's value for name, if present.
func (r *Record) Field(name string) (FieldValue, bool) {
	fv, ok := r.Fields[name]
	return fv, ok
}

// Amount parses the named field as a monetary value. The second return is
// false when the field is absent or not numeric.
func (r *Record) Amount(name string) (float64, bool) {
	fv, ok := r.Fields[name]
	if !ok || fv.Value == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(fv.Value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FormatAmount renders a monetary value in canonical field form.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
