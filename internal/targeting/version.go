package targeting

import (
	"strconv"
	"strings"
)

// CompareVersions compares two free-form, semver-like version strings.
// Versions are split on "." and segments compared left to right; missing
// segments are treated as 0. Numeric prefixes compare numerically, with any
// non-numeric remainder compared lexicographically after the numeric prefix.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b string) int {
	na, ra := numericPrefix(a)
	nb, rb := numericPrefix(b)
	if na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(ra, rb)
}

// numericPrefix returns the leading digits of s as an integer plus the
// remaining suffix. A segment with no digits compares as 0 plus itself.
func numericPrefix(s string) (int64, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, s
	}
	return n, s[i:]
}
