package gateway

import (
	"regexp"
	"strings"
)

// globToRegexp compiles a prePierceRoutes glob pattern into an anchored
// regexp: '*' matches any run of characters, '?' matches exactly one,
// everything else is matched literally.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}
