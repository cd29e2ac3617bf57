// Package search maintains the full-text index over store entities and
// answers ranked heterogeneous queries. Index maintenance runs inside the
// store's transactions so the index can never drift from the source of
// truth; ReindexAll exists as the recovery path when drift is detected
// anyway.
package search

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var englishStopwords = stopwords.MustGet("en")

// isJoiner returns true for punctuation that commonly appears inside
// labels and commands ("O'Brien", "git-flow", "~/.config", "AT&T").
// Joiners survive canonicalization so multiword terms stay coherent.
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘',
		'-', '–', '—',
		'.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

// Canonicalize transforms text into the normalized form used for both
// index queries and sensitive-content matching: lowercase, joiners
// preserved, every other non-alphanumeric run collapsed to one space.
func Canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}

// Tokenize canonicalizes and splits text, dropping English stopwords.
// Single-rune tokens are kept: one-letter flags ("-v") matter in a
// command store.
func Tokenize(text string) []string {
	words := strings.Fields(Canonicalize(text))
	result := make([]string, 0, len(words))
	for _, w := range words {
		if englishStopwords.Contains(w) {
			continue
		}
		result = append(result, w)
	}
	return result
}

// MatchExpr builds an FTS5 MATCH expression from a free-form query. Every
// token is double-quoted (FTS5 operators inside user input are literal
// text, not syntax) and the final token gets a prefix star so interactive
// typing matches as-you-go.
func MatchExpr(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted := `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
		if i == len(tokens)-1 {
			quoted += "*"
		}
		parts[i] = quoted
	}
	return strings.Join(parts, " ")
}
