package image

import "testing"

func TestStripHash(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"rust legacy hash stripped", "_ZN4core3fmt9Arguments6new_v117h1234567890abcdef0E::h1234567890abcdef", "_ZN4core3fmt9Arguments6new_v117h1234567890abcdef0E"},
		{"too short to have a hash", "main", "main"},
		{"looks close but wrong prefix", "foo::g1234567890abcdef", "foo::g1234567890abcdef"},
		{"non-hex suffix left alone", "foo::hzzzzzzzzzzzzzzzz", "foo::hzzzzzzzzzzzzzzzz"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := stripHash(c.in); got != c.want {
				t.Errorf("stripHash(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
