package links

import "testing"

func TestExtract(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"none", "plain text with [brackets] and (parens)", nil},
		{"single", "see [[Rust Result]] for details", []string{"Rust Result"}},
		{"display text", "see [[Rust Result|the Result type]]", []string{"Rust Result"}},
		{"multiple", "[[A]] then [[B]] then [[A]] again", []string{"A", "B"}},
		{"whitespace", "[[  Padded Title  ]]", []string{"Padded Title"}},
		{"empty target", "[[]] and [[ ]]", nil},
		{"unclosed", "[[Dangling and more text", nil},
	}
	for _, tc := range cases {
		got := Extract(tc.body)
		if len(got) != len(tc.want) {
			t.Errorf("%s: Extract = %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("%s: Extract = %v, want %v", tc.name, got, tc.want)
				break
			}
		}
	}
}
