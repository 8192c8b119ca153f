package textutil

import "testing"

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"  12  Elm   Street ", "12 Elm Street"},
		{"Café Lane", "Café Lane"},
		{"", ""},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.input); got != tc.expected {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestCanonicalRegion(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"us", "US"},
		{" gb ", "GB"},
		{"", ""},
		{"zz", "ZZ"},
	}
	for _, tc := range cases {
		if got := CanonicalRegion(tc.input); got != tc.expected {
			t.Fatalf("CanonicalRegion(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}
