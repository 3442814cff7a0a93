package truncate

import "strings"

// MatchGlob implements the limited glob dialect spec.md §4.4 requires:
// literal segments, a leading/trailing `*`, `**` crossing path segments, and
// `?` matching a single non-separator character. It intentionally does not
// delegate to path/filepath.Match, which does not support `**`.
func MatchGlob(pattern, name string) bool {
	return matchGlob(splitKeepSeparators(pattern), splitKeepSeparators(name))
}

// token is either a literal path segment or the "**" wildcard.
func splitKeepSeparators(s string) []string {
	return strings.Split(s, "/")
}

func matchGlob(patSegs, nameSegs []string) bool {
	if len(patSegs) == 0 {
		return len(nameSegs) == 0
	}
	seg := patSegs[0]
	if seg == "**" {
		if len(patSegs) == 1 {
			return true // ** at the end matches everything remaining
		}
		for i := 0; i <= len(nameSegs); i++ {
			if matchGlob(patSegs[1:], nameSegs[i:]) {
				return true
			}
		}
		return false
	}
	if len(nameSegs) == 0 {
		return false
	}
	if !matchSegment(seg, nameSegs[0]) {
		return false
	}
	return matchGlob(patSegs[1:], nameSegs[1:])
}

// matchSegment matches a single path segment supporting leading/trailing `*`
// and `?` as a single non-separator wildcard. `*` inside a segment other
// than at the very start/end is treated as matching any run within the
// segment (simple greedy two-anchor match), which covers spec.md's stated
// support without pulling in a full glob engine.
func matchSegment(pat, name string) bool {
	return matchRunes([]rune(pat), []rune(name))
}

func matchRunes(pat, name []rune) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	switch pat[0] {
	case '*':
		// try consuming 0..len(name) runes for this '*'
		for i := 0; i <= len(name); i++ {
			if matchRunes(pat[1:], name[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(name) == 0 {
			return false
		}
		return matchRunes(pat[1:], name[1:])
	default:
		if len(name) == 0 || pat[0] != name[0] {
			return false
		}
		return matchRunes(pat[1:], name[1:])
	}
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchGlob(p, name) {
			return true
		}
	}
	return false
}
