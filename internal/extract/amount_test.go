package extract

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1234.56", 1234.56},
		{"$1,234.56", 1234.56},
		{"€1.234,56", 1234.56},
		{"£ 99", 99},
		{"1,234", 1234},
		{"1.234", 1234},
		{"12,5", 12.5},
		{"12.5", 12.5},
		{"0,99", 0.99},
		{"1,234.5", 1234.5},
		{"1,234,567.89", 1234567.89},
		{"(45.00)", -45},
		{"-45.00", -45},
		{"+45.00", 45},
		{"¥1200", 1200},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if err != nil {
			t.Errorf("ParseAmount(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAmount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "$", "abc", "12x34"} {
		if v, err := ParseAmount(in); err == nil {
			t.Errorf("ParseAmount(%q) = %v, want error", in, v)
		}
	}
}
