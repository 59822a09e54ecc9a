package invoice

import (
	"errors"
	"testing"
	"time"
)

func testRecord() *Record {
	a := NewAssembler(0.01)
	return a.Assemble("inv.pdf", map[string]FieldValue{
		FieldVendor:      fv("Acme Corp", 0.55),
		FieldTotalAmount: fv("100.00", 0.9),
	}, nil)
}

func TestApplyOverridesParsedValue(t *testing.T) {
	rec := testRecord()

	err := Apply(rec, Patch{Field: FieldVendor, Value: "Acme Corporation", AppliedAt: time.Now()})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := rec.Fields[FieldVendor]
	if got.Value != "Acme Corporation" {
		t.Errorf("value = %q, want %q", got.Value, "Acme Corporation")
	}
	if got.Source != SourceManual {
		t.Errorf("source = %q, want %q", got.Source, SourceManual)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got.Confidence)
	}

	hist := rec.History[FieldVendor]
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Value != "Acme Corp" || hist[0].Source != SourceParsed {
		t.Errorf("history entry = %+v, lost parsed provenance", hist[0])
	}
}

func TestApplySamePatchTwiceIsNoop(t *testing.T) {
	rec := testRecord()

	p := Patch{Field: FieldVendor, Value: "Acme Corporation"}
	if err := Apply(rec, p); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := Apply(rec, p); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if got := len(rec.History[FieldVendor]); got != 1 {
		t.Errorf("history length = %d after repeat patch, want 1", got)
	}
}

func TestApplySecondCorrectionStacksHistory(t *testing.T) {
	rec := testRecord()

	if err := Apply(rec, Patch{Field: FieldVendor, Value: "Acme Inc"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := Apply(rec, Patch{Field: FieldVendor, Value: "Acme LLC"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	hist := rec.History[FieldVendor]
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Source != SourceParsed {
		t.Errorf("first history entry source = %q, want parsed", hist[0].Source)
	}
	if hist[1].Value != "Acme Inc" || hist[1].Source != SourceManual {
		t.Errorf("second history entry = %+v", hist[1])
	}
	if rec.Fields[FieldVendor].Value != "Acme LLC" {
		t.Errorf("current value = %q, want %q", rec.Fields[FieldVendor].Value, "Acme LLC")
	}
}

func TestApplyNewFieldHasNoHistory(t *testing.T) {
	rec := testRecord()

	if err := Apply(rec, Patch{Field: FieldDueDate, Value: "2026-09-30"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(rec.History[FieldDueDate]) != 0 {
		t.Errorf("history for freshly set field = %v, want empty", rec.History[FieldDueDate])
	}
	if rec.Fields[FieldDueDate].Value != "2026-09-30" {
		t.Errorf("value = %q", rec.Fields[FieldDueDate].Value)
	}
}

func TestApplyUnknownField(t *testing.T) {
	rec := testRecord()

	err := Apply(rec, Patch{Field: "color", Value: "blue"})
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("err = %v, want ErrUnknownField", err)
	}
	if _, ok := rec.Fields["color"]; ok {
		t.Errorf("unknown field was stored")
	}
}

func TestApplyRaisesOverallConfidence(t *testing.T) {
	rec := testRecord()
	before := rec.OverallConfidence

	if err := Apply(rec, Patch{Field: FieldVendor, Value: "Acme Inc"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.OverallConfidence <= before {
		t.Errorf("OverallConfidence = %v, want > %v after manual correction", rec.OverallConfidence, before)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := testRecord()
	orig.LineItems = []LineItem{{Description: "Widget", Quantity: 2, UnitPrice: 10, Amount: 20}}
	if err := Apply(orig, Patch{Field: FieldVendor, Value: "Acme Inc", AppliedAt: time.Now()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	cp := orig.Clone()
	if err := Apply(cp, Patch{Field: FieldVendor, Value: "Someone Else", AppliedAt: time.Now()}); err != nil {
		t.Fatalf("Apply on clone: %v", err)
	}
	cp.LineItems[0].Description = "tampered"
	cp.History[FieldTotalAmount] = append(cp.History[FieldTotalAmount], fv("0.00", 0))

	if got := orig.Fields[FieldVendor].Value; got != "Acme Inc" {
		t.Errorf("original field mutated through clone: %q", got)
	}
	if len(orig.History[FieldVendor]) != 1 {
		t.Errorf("original history mutated through clone: %+v", orig.History[FieldVendor])
	}
	if len(orig.History[FieldTotalAmount]) != 0 {
		t.Errorf("history map shared with clone: %+v", orig.History)
	}
	if orig.LineItems[0].Description != "Widget" {
		t.Errorf("line items shared with clone: %+v", orig.LineItems)
	}
}
