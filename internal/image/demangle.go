package image

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// hashSuffixLen is the length of a Rust legacy hash suffix, "::h" plus
// exactly 16 hex digits. The spec fixes this at 16; widening it to match
// some other toolchain's hash length is out of scope.
const hashSuffixLen = len("::h") + 16

// displayName demangles a raw ELF symbol name and strips its Rust legacy
// hash suffix, if it has one.
func displayName(raw string) string {
	name := demangle.Filter(raw)
	return stripHash(name)
}

// stripHash removes a trailing "::h<16 hex digits>" suffix, the
// disambiguating hash rustc appends to every legacy-mangled symbol.
func stripHash(name string) string {
	if len(name) <= hashSuffixLen {
		return name
	}
	suffix := name[len(name)-hashSuffixLen:]
	if !strings.HasPrefix(suffix, "::h") {
		return name
	}
	for _, c := range suffix[3:] {
		if !isHexDigit(c) {
			return name
		}
	}
	return name[:len(name)-hashSuffixLen]
}

func isHexDigit(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	default:
		return false
	}
}
