package rag

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "strips url",
			input: "See https://example.com/page for details",
			want:  "See for details",
		},
		{
			name:  "strips www url",
			input: "Visit www.example.com today",
			want:  "Visit today",
		},
		{
			name:  "strips filename",
			input: "As described in report.pdf the trend continues",
			want:  "As described in the trend continues",
		},
		{
			name:  "strips chunk identifier",
			input: "rainfall data Language_nlp_61 shows decline",
			want:  "rainfall data shows decline",
		},
		{
			name:  "strips all three",
			input: "See https://x.co report.pdf Language_nlp_61",
			want:  "See",
		},
		{
			name:  "case insensitive",
			input: "Read Report.PDF at HTTPS://Example.COM now",
			want:  "Read at now",
		},
		{
			name:  "collapses whitespace",
			input: "a  b\t\tc\n\nd",
			want:  "a b c d",
		},
		{
			name:  "trims",
			input: "  padded  ",
			want:  "padded",
		},
		{
			name:  "plain text untouched",
			input: "Rainfall declined across the basin.",
			want:  "Rainfall declined across the basin.",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"See https://x.co report.pdf Language_nlp_61",
		"plain text",
		"  mixed\twhitespace\n and www.site.org  ",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func FuzzSanitize_Idempotent(f *testing.F) {
	f.Add("See https://x.co report.pdf Language_nlp_61")
	f.Add("plain text with nothing to strip")
	f.Add("  \t\n  ")
	f.Add("www.a.b c_d_1 e.txt")
	f.Fuzz(func(t *testing.T, input string) {
		once := Sanitize(input)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent: %q -> %q -> %q", input, once, twice)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
