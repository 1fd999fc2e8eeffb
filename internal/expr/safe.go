package expr

import (
	"regexp"
	"strings"
)

// propertyChain matches dotted identifier chains of two or more segments,
// e.g. customer.address.city.
var propertyChain = regexp.MustCompile(`\b[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)+`)

// SafeExpression rewrites direct property chains into optional (null-safe)
// chains so that a retry after a PROPERTY_ACCESS or NULL_POINTER failure
// can succeed where data is partially absent: a.b.c becomes
// a.?b.?c.orValue(false). Chains that end in a method call and chains
// already using optional selection are left alone.
//
// The orValue terminal assumes the chain is used as a boolean condition,
// which is the only place the retry strategy applies. A rewritten chain
// used in a non-boolean position fails again on retry and falls back to
// the continue-with-default behavior, which is the documented second
// failure path.
func SafeExpression(source string) string {
	matches := propertyChain.FindAllStringIndex(source, -1)
	if len(matches) == 0 {
		return source
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		chain := source[start:end]
		b.WriteString(source[last:start])
		last = end

		// A chain followed by "(" is a method call; the receiver part
		// still gets optional selection but the method segment is kept.
		isCall := end < len(source) && source[end] == '('
		if strings.Contains(chain, ".?") {
			b.WriteString(chain)
			continue
		}

		parts := strings.Split(chain, ".")
		if isCall {
			if len(parts) == 2 {
				b.WriteString(chain)
				continue
			}
			receiver := parts[0] + ".?" + strings.Join(parts[1:len(parts)-1], ".?")
			b.WriteString(receiver + ".orValue(false)." + parts[len(parts)-1])
			continue
		}
		b.WriteString(parts[0] + ".?" + strings.Join(parts[1:], ".?") + ".orValue(false)")
	}
	b.WriteString(source[last:])
	return b.String()
}
