package utils

import "testing"

func TestMatchResource(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"doc-1", "doc-1", true},
		{"doc-1", "doc-2", false},
		{"reports/*", "reports/q1", true},
		{"reports/*", "reports/q1/summary", true},
		{"reports/*", "invoices/q1", false},
		{"reports/:id", "reports/q1", true},
		{"reports/:id", "reports/q1/summary", false},
		{"reports/:id/pages", "reports/q1/pages", true},
		{"reports/:id/pages", "reports/q1/tables", false},
		{"rep*", "reports", true},
		{"rep*", "invoices", false},
		{"", "doc-1", false},
	}
	for _, c := range cases {
		if got := MatchResource(c.pattern, c.value); got != c.want {
			t.Fatalf("MatchResource(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}
