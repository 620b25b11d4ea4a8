package mscript

import "testing"

func TestFormatSI(t *testing.T) {
	tests := []struct {
		value string
		unit  string
		want  string
	}{
		{"0", "V", "0"},
		{"0.1", "V", "100m"},
		{"-0.5", "V", "-500m"},
		{"0.002", "V", "2m"},
		{"1.0", "V", "1000m"},
		{"1.5", "V", "1500m"},
		{"0.0001234", "V", "0.1234m"},
		{"0.1", "V/s", "100m"},
		{"15", "Hz", "15"},
		{"15.0", "Hz", "15"},
		{"12.5", "Hz", "12.5"},
		{"7", "s", "7"},
		{"abc", "V", "abc"},
		{"", "V", ""},
	}
	for _, tc := range tests {
		if got := FormatSI(tc.value, tc.unit); got != tc.want {
			t.Errorf("FormatSI(%q, %q) = %q, want %q", tc.value, tc.unit, got, tc.want)
		}
	}
}
