package text

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var wordRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// Words returns the lower-cased word tokens of s in order.
func Words(s string) []string {
	raw := wordRe.FindAllString(s, -1)
	out := make([]string, len(raw))
	for i, w := range raw {
		out[i] = strings.ToLower(w)
	}
	return out
}

// WordSet returns the distinct lower-cased words of s.
func WordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range Words(s) {
		set[w] = struct{}{}
	}
	return set
}

// ContentWords returns the words of s that are not stop words and have at
// least minLen characters.
func ContentWords(s string, minLen int) []string {
	var out []string
	for _, w := range Words(s) {
		if len(w) < minLen || IsStopWord(w) || isNumeric(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TermCount pairs a term with its frequency.
type TermCount struct {
	Term  string
	Count int
}

// TopTerms counts content words across texts and returns up to n terms that
// occur at least minCount times, most frequent first. Ties sort
// alphabetically so output is stable.
func TopTerms(texts []string, n, minCount int) []string {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, w := range ContentWords(t, 4) {
			counts[w]++
		}
	}
	return topN(counts, n, minCount)
}

// TopStrings ranks arbitrary values (tags, concepts) by frequency.
func TopStrings(values []string, n, minCount int) []string {
	counts := make(map[string]int)
	for _, v := range values {
		if v == "" {
			continue
		}
		counts[v]++
	}
	return topN(counts, n, minCount)
}

func topN(counts map[string]int, n, minCount int) []string {
	ranked := make([]TermCount, 0, len(counts))
	for term, c := range counts {
		if c >= minCount {
			ranked = append(ranked, TermCount{Term: term, Count: c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Term < ranked[j].Term
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Term
	}
	return out
}

// AlphaRatio returns the share of non-space runes in s that are letters.
func AlphaRatio(s string) float64 {
	var letters, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}

// UniqueRatio returns distinct words / total words in s.
func UniqueRatio(s string) float64 {
	words := Words(s)
	if len(words) == 0 {
		return 0
	}
	return float64(len(WordSet(s))) / float64(len(words))
}

func isNumeric(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return w != ""
}
