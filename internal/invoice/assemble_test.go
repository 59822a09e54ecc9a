package invoice

import (
	"testing"
)

func fv(value string, conf float64) FieldValue {
	return FieldValue{Value: value, Confidence: conf, Source: SourceParsed}
}

func TestAssembleFlagsInconsistentLineItem(t *testing.T) {
	a := NewAssembler(0.01)
	items := []LineItem{
		{Description: "Widget", Quantity: 2, UnitPrice: 10.00, Amount: 20.00},
		{Description: "Gadget", Quantity: 3, UnitPrice: 5.00, Amount: 20.00},
	}

	rec := a.Assemble("inv.pdf", nil, items)

	if rec.LineItems[0].Inconsistent {
		t.Errorf("consistent row flagged: %+v", rec.LineItems[0])
	}
	if !rec.LineItems[1].Inconsistent {
		t.Errorf("inconsistent row not flagged: %+v", rec.LineItems[1])
	}
}

func TestAssembleKeepsRowWithinTolerance(t *testing.T) {
	a := NewAssembler(0.01)
	items := []LineItem{
		// 3 * 3.333 = 9.999, within a cent of 10.00.
		{Description: "Thing", Quantity: 3, UnitPrice: 3.333, Amount: 10.00},
	}

	rec := a.Assemble("inv.pdf", nil, items)
	if rec.LineItems[0].Inconsistent {
		t.Errorf("row within tolerance flagged: %+v", rec.LineItems[0])
	}
}

func TestAssembleReconciliation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]FieldValue
		want   bool
	}{
		{
			name: "balanced",
			fields: map[string]FieldValue{
				FieldSubtotal:       fv("100.00", 0.9),
				FieldDiscountAmount: fv("10.00", 0.8),
				FieldTaxAmount:      fv("8.00", 0.85),
				FieldShippingAmount: fv("5.00", 0.85),
				FieldTotalAmount:    fv("103.00", 0.9),
			},
			want: false,
		},
		{
			name: "off by a dollar",
			fields: map[string]FieldValue{
				FieldSubtotal:       fv("100.00", 0.9),
				FieldDiscountAmount: fv("10.00", 0.8),
				FieldTaxAmount:      fv("8.00", 0.85),
				FieldShippingAmount: fv("5.00", 0.85),
				FieldTotalAmount:    fv("104.00", 0.9),
			},
			want: true,
		},
		{
			name: "missing shipping holds vacuously",
			fields: map[string]FieldValue{
				FieldSubtotal:       fv("100.00", 0.9),
				FieldDiscountAmount: fv("10.00", 0.8),
				FieldTaxAmount:      fv("8.00", 0.85),
				FieldTotalAmount:    fv("104.00", 0.9),
			},
			want: false,
		},
	}

	a := NewAssembler(0.01)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.Assemble("inv.pdf", tt.fields, nil)
			if rec.ReconciliationWarning != tt.want {
				t.Errorf("ReconciliationWarning = %v, want %v", rec.ReconciliationWarning, tt.want)
			}
		})
	}
}

func TestAssembleOverallConfidence(t *testing.T) {
	a := NewAssembler(0.01)
	rec := a.Assemble("inv.pdf", map[string]FieldValue{
		FieldVendor:      fv("Acme Corp", 0.5),
		FieldTotalAmount: fv("100.00", 0.9),
	}, nil)

	want := 0.7
	if diff := rec.OverallConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("OverallConfidence = %v, want %v", rec.OverallConfidence, want)
	}
}

func TestAssembleCopiesInputs(t *testing.T) {
	a := NewAssembler(0.01)
	fields := map[string]FieldValue{FieldVendor: fv("Acme Corp", 0.5)}
	items := []LineItem{{Description: "Widget", Quantity: 1, UnitPrice: 2, Amount: 2}}

	rec := a.Assemble("inv.pdf", fields, items)

	fields[FieldVendor] = fv("Mutated", 0.1)
	items[0].Description = "Mutated"

	if rec.Fields[FieldVendor].Value != "Acme Corp" {
		t.Errorf("record shares field map with caller")
	}
	if rec.LineItems[0].Description != "Widget" {
		t.Errorf("record shares line item slice with caller")
	}
}

func TestAssembleAssignsIDs(t *testing.T) {
	a := NewAssembler(0.01)
	r1 := a.Assemble("a.pdf", nil, nil)
	r2 := a.Assemble("a.pdf", nil, nil)

	if r1.ID == "" || r2.ID == "" {
		t.Fatalf("missing record ids: %q, %q", r1.ID, r2.ID)
	}
	if r1.ID == r2.ID {
		t.Errorf("records share id %q", r1.ID)
	}
}
