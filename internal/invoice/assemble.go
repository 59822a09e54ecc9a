package invoice

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultTolerance is the maximum absolute difference, in currency units,
// tolerated when checking monetary arithmetic.
const DefaultTolerance = 0.01

// Assembler combines field and line-item extraction results into a Record.
// It never fails: arithmetic mismatches are recorded as data, not errors.
type Assembler struct {
	Tolerance float64
	now       func() time.Time
}

// NewAssembler returns an Assembler with the given tolerance.
// A tolerance <= 0 falls back to DefaultTolerance.
func NewAssembler(tolerance float64) *Assembler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Assembler{Tolerance: tolerance, now: time.Now}
}

// Assemble builds the record for one parsed document.
func (a *Assembler) Assemble(fileName string, fields map[string]FieldValue, items []LineItem) *Record {
	r := &Record{
		ID:        uuid.NewString(),
		FileName:  fileName,
		ParsedAt:  a.now().UTC(),
		Fields:    make(map[string]FieldValue, len(fields)),
		History:   make(map[string][]FieldValue),
		LineItems: make([]LineItem, len(items)),
	}
	for name, fv := range fields {
		r.Fields[name] = fv
	}
	copy(r.LineItems, items)

	for i := range r.LineItems {
		it := &r.LineItems[i]
		if it.Quantity != 0 || it.UnitPrice != 0 {
			if math.Abs(it.Amount-it.Quantity*it.UnitPrice) > a.Tolerance {
				it.Inconsistent = true
			}
		}
	}

	r.ReconciliationWarning = a.totalsMismatch(r)
	r.OverallConfidence = overallConfidence(r.Fields)
	return r
}

// totalsMismatch checks total = subtotal - discount + tax + shipping.
// The invariant only applies when every participating amount is present;
// with any of them absent it holds vacuously.
func (a *Assembler) totalsMismatch(r *Record) bool {
	total, ok := r.Amount(FieldTotalAmount)
	if !ok {
		return false
	}
	subtotal, ok := r.Amount(FieldSubtotal)
	if !ok {
		return false
	}
	discount, ok := r.Amount(FieldDiscountAmount)
	if !ok {
		return false
	}
	tax, ok := r.Amount(FieldTaxAmount)
	if !ok {
		return false
	}
	shipping, ok := r.Amount(FieldShippingAmount)
	if !ok {
		return false
	}
	return math.Abs(total-(subtotal-discount+tax+shipping)) > a.Tolerance
}

// overallConfidence is the mean confidence across present header fields.
func overallConfidence(fields map[string]FieldValue) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, fv := range fields {
		sum += fv.Confidence
	}
	return sum / float64(len(fields))
}
