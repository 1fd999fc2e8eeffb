package expr

import "strings"

// complexity weights: adding any operator, nesting level or call to an
// expression must never lower its score.
const (
	weightOperator = 1
	weightNesting  = 2
	weightCall     = 3
)

var operators = []string{
	"&&", "||", "==", "!=", "<=", ">=", "<", ">",
	"+", "-", "*", "/", "%", "?", "!",
}

// ComplexityScore derives a static complexity score from the shape of an
// expression: operator count, maximum bracket nesting depth and call
// count, combined as a weighted sum.
func ComplexityScore(source string) int {
	score := 0

	stripped := stripStrings(source)

	// Operator count. Two-character operators are counted first and
	// removed so their single-character prefixes are not double counted.
	rest := stripped
	for _, op := range operators {
		n := strings.Count(rest, op)
		if n > 0 {
			score += n * weightOperator
			rest = strings.ReplaceAll(rest, op, " ")
		}
	}

	// Nesting depth across (), [] and {}.
	depth, maxDepth := 0, 0
	for _, c := range stripped {
		switch c {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	score += maxDepth * weightNesting

	// Call count: an opening paren preceded by an identifier character.
	for i := 1; i < len(stripped); i++ {
		if stripped[i] == '(' && isIdentChar(stripped[i-1]) {
			score += weightCall
		}
	}

	return score
}

// stripStrings blanks out string literals so their contents do not count
// as operators or brackets.
func stripStrings(s string) string {
	out := []byte(s)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			} else {
				out[i] = ' '
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return string(out)
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
