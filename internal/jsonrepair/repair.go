// Package jsonrepair fixes the malformed JSON the function-calling model
// occasionally emits: unbalanced brackets and single-quoted strings.
package jsonrepair

import "strings"

var matching = map[rune]rune{')': '(', '}': '{', ']': '['}

var closing = map[rune]rune{'(': ')', '{': '}', '[': ']'}

// Repair walks the string once tracking an open-bracket stack, drops
// unmatched closers, appends matching closers for anything still open at the
// end, and normalizes single quotes to double quotes. It is idempotent and
// leaves well-formed JSON unchanged.
func Repair(s string) string {
	s = strings.TrimSpace(s)

	var stack []rune
	var fixed strings.Builder
	fixed.Grow(len(s))

	for _, ch := range s {
		switch ch {
		case '{', '[', '(':
			stack = append(stack, ch)
			fixed.WriteRune(ch)
		case '}', ']', ')':
			if len(stack) > 0 && stack[len(stack)-1] == matching[ch] {
				stack = stack[:len(stack)-1]
				fixed.WriteRune(ch)
			}
			// Unmatched closers are dropped.
		default:
			fixed.WriteRune(ch)
		}
	}

	for len(stack) > 0 {
		fixed.WriteRune(closing[stack[len(stack)-1]])
		stack = stack[:len(stack)-1]
	}

	return strings.ReplaceAll(fixed.String(), "'", `"`)
}
