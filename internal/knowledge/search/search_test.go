package search

import (
	"strings"
	"testing"
)

func TestBuildFTSQuerySanitizes(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		check func(t *testing.T, q string)
	}{
		{
			name: "plain terms",
			raw:  "recoverable errors",
			check: func(t *testing.T, q string) {
				if q != `"recoverable" AND "errors"` {
					t.Errorf("query = %q", q)
				}
			},
		},
		{
			name: "unbalanced quote",
			raw:  `hello "world`,
			check: func(t *testing.T, q string) {
				if strings.Count(q, `"`)%2 != 0 {
					t.Errorf("unbalanced quotes in %q", q)
				}
				if !strings.Contains(q, `"hello"`) || !strings.Contains(q, `"world"`) {
					t.Errorf("terms lost: %q", q)
				}
			},
		},
		{
			name: "NEAR operator neutralized",
			raw:  "foo NEAR/10 bar",
			check: func(t *testing.T, q string) {
				// NEAR must survive only as a quoted literal token.
				if strings.Contains(strings.ReplaceAll(q, `"NEAR"`, ""), "NEAR") {
					t.Errorf("bare NEAR operator in %q", q)
				}
			},
		},
		{
			name: "parens and OR",
			raw:  "(a OR b) AND c",
			check: func(t *testing.T, q string) {
				if strings.ContainsAny(q, "()") {
					t.Errorf("parens leaked: %q", q)
				}
			},
		},
		{
			name: "only meta characters",
			raw:  `"" () * :`,
			check: func(t *testing.T, q string) {
				if q != "" {
					t.Errorf("query = %q, want empty", q)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, BuildFTSQuery(tc.raw))
		})
	}
}
