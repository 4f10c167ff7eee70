package catalog

import (
	"strings"
	"testing"
)

func TestFormatFilesize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "Unknown"},
		{-5, "Unknown"},
		{512, "512.0 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
		{2 * 1024 * 1024 * 1024 * 1024, "2.0 TB"},
	}
	for _, tc := range tests {
		if got := FormatFilesize(tc.in); got != tc.want {
			t.Fatalf("FormatFilesize(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "Unknown"},
		{59, "00:59"},
		{61, "01:01"},
		{3600, "01:00:00"},
		{3725, "01:02:05"},
	}
	for _, tc := range tests {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeTitle(t *testing.T) {
	if got := SanitizeTitle(`  a<b>c:"d"/e\f|g?h*  `); got != "abcdefgh" {
		t.Fatalf("unexpected sanitized title %q", got)
	}
	long := strings.Repeat("x", 150)
	if got := SanitizeTitle(long); len(got) != 100 {
		t.Fatalf("expected 100 chars, got %d", len(got))
	}
	multi := strings.Repeat("é", 60)
	got := SanitizeTitle(multi)
	if len(got) > 100 || strings.ContainsRune(got, '�') {
		t.Fatalf("truncation split a rune: %q", got)
	}
}
