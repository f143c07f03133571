package qparser

import (
	"strings"
	"unicode"

	"github.com/spaolacci/murmur3"
)

// Normalize rewrites SQL so that two statements differing only in
// literal values, parameter numbers, casing of keywords/identifiers or
// whitespace normalize to the same text. Structure, table references
// and column identifiers are preserved.
func Normalize(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))

	i := 0
	n := len(query)
	lastSpace := true

	writeSep := func() {
		if !lastSpace {
			sb.WriteByte(' ')
			lastSpace = true
		}
	}

	for i < n {
		c := query[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			writeSep()
			i++

		case c == '-' && i+1 < n && query[i+1] == '-':
			/* line comment */
			for i < n && query[i] != '\n' {
				i++
			}
			writeSep()

		case c == '/' && i+1 < n && query[i+1] == '*':
			/* block comment, no nesting */
			i += 2
			for i+1 < n && !(query[i] == '*' && query[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
			writeSep()

		case c == '\'':
			/* string literal -> placeholder */
			i++
			for i < n {
				if query[i] == '\'' {
					if i+1 < n && query[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			sb.WriteByte('?')
			lastSpace = false

		case c == '"':
			/* quoted identifier is preserved verbatim */
			start := i
			i++
			for i < n && query[i] != '"' {
				i++
			}
			if i < n {
				i++
			}
			sb.WriteString(query[start:i])
			lastSpace = false

		case c == '$' && i+1 < n && isDigit(query[i+1]):
			/* positional parameter -> placeholder */
			i++
			for i < n && isDigit(query[i]) {
				i++
			}
			sb.WriteByte('?')
			lastSpace = false

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(query[i+1])):
			/* numeric literal -> placeholder */
			for i < n && (isDigit(query[i]) || query[i] == '.' || query[i] == 'e' ||
				query[i] == 'E' ||
				((query[i] == '+' || query[i] == '-') && (query[i-1] == 'e' || query[i-1] == 'E'))) {
				i++
			}
			sb.WriteByte('?')
			lastSpace = false

		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(query[i]) {
				i++
			}
			word := query[start:i]
			sb.WriteString(strings.ToLower(word))
			lastSpace = false

		default:
			sb.WriteByte(c)
			lastSpace = false
			i++
		}
	}

	return strings.TrimRight(sb.String(), " ")
}

// Fingerprint is the stable 64-bit hash of the normalized statement.
func Fingerprint(query string) uint64 {
	return murmur3.Sum64([]byte(Normalize(query)))
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentPart(c byte) bool {
	return c == '_' || c == '$' || isDigit(c) || unicode.IsLetter(rune(c))
}
