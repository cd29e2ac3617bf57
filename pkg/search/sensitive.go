package search

import (
	"fmt"
	"sort"

	"github.com/coregx/ahocorasick"
)

// Document is one decrypted sensitive item held in memory for matching.
// Plaintext of sensitive items never enters the FTS index, so content
// search over them runs here: the caller decrypts with an unlocked vault
// session, hands the plaintext in, and drops it when done.
type Document struct {
	ID    string
	Label string
	Text  string
}

// SensitiveMatch is one document that matched every query token.
type SensitiveMatch struct {
	ID    string
	Label string
	Hits  int // total token occurrences, used for ranking
}

// MatchSensitive scans decrypted documents with an Aho-Corasick automaton
// built from the canonicalized query tokens. A document matches when every
// token occurs in its label or content; results are ordered by descending
// hit count.
func MatchSensitive(query string, docs []Document) ([]SensitiveMatch, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	ac, err := ahocorasick.NewBuilder().
		AddStrings(tokens).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build matcher: %w", err)
	}

	var matches []SensitiveMatch
	for _, doc := range docs {
		haystack := []byte(Canonicalize(doc.Label + " " + doc.Text))

		seen := make(map[int]int, len(tokens))
		for _, m := range ac.FindAllOverlapping(haystack) {
			seen[m.PatternID]++
		}
		if len(seen) < len(tokens) {
			continue
		}
		hits := 0
		for _, n := range seen {
			hits += n
		}
		matches = append(matches, SensitiveMatch{ID: doc.ID, Label: doc.Label, Hits: hits})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Hits > matches[j].Hits })
	return matches, nil
}
