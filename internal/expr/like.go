package expr

import "strings"

// MatchLike reports whether s matches the SQL LIKE pattern p.
// '%' matches any run of characters (including none) and '_' matches
// exactly one character. Matching is by rune and case-sensitive.
func MatchLike(s, p string) bool {
	sr := []rune(s)
	pr := []rune(p)

	si, pi := 0, 0
	star := -1 // index in pr of the last '%' seen
	mark := 0  // index in sr where that '%' started matching
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '_' || pr[pi] == sr[si]):
			si++
			pi++
		case pi < len(pr) && pr[pi] == '%':
			star = pi
			mark = si
			pi++
		case star >= 0:
			// Let the last '%' absorb one more character and retry.
			mark++
			si = mark
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '%' {
		pi++
	}
	return pi == len(pr)
}

// MatchLikeFold is the case-insensitive form used by ILIKE.
func MatchLikeFold(s, p string) bool {
	return MatchLike(strings.ToLower(s), strings.ToLower(p))
}
