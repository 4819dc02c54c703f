package main

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"", "  "}, ""},
		{[]string{" a ", "b"}, "a"},
		{[]string{"", "b"}, "b"},
	}
	for _, c := range cases {
		if got := firstNonEmpty(c.in...); got != c.want {
			t.Fatalf("firstNonEmpty(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
