package query

import "testing"

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		raw, scale uint64
		want       string
	}{
		{250075, 100, "2500.75"},
		{250000, 100, "2500.00"},
		{5, 100, "0.05"},
		{0, 100, "0.00"},
		{42, 1, "42"},
		{18446744073709551615, 100, "184467440737095516.15"},
		{1234567, 1000, "1234.567"},
	}
	for _, tt := range tests {
		if got := FormatPrice(tt.raw, tt.scale); got != tt.want {
			t.Errorf("FormatPrice(%d, %d) = %q, want %q", tt.raw, tt.scale, got, tt.want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	for _, tt := range []struct{ in, want int }{{0, 100}, {-5, 100}, {50, 50}, {5000, 1000}} {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
