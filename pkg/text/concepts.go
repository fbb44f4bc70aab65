package text

import (
	"regexp"
	"sort"
	"strings"
)

var (
	urlRe     = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	dateRe    = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	numberRe  = regexp.MustCompile(`\b\d+\.\d+\b|\b\d{2,}\b`)
	camelRe   = regexp.MustCompile(`\b[a-z]+[A-Z][A-Za-z0-9]*\b|\b[A-Z][a-z0-9]+[A-Z][A-Za-z0-9]*\b`)
	snakeRe   = regexp.MustCompile(`\b[a-z0-9]+(?:_[a-z0-9]+)+\b`)
	acronymRe = regexp.MustCompile(`\b[A-Z]{2,}[0-9]*\b`)
	quotedRe  = regexp.MustCompile("\"([^\"]{3,80})\"|`([^`]{3,80})`")
	capRe     = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)
)

// Concept kinds recognised by ExtractConcepts.
const (
	KindURL        = "url"
	KindEmail      = "email"
	KindDate       = "date"
	KindNumber     = "number"
	KindIdentifier = "identifier"
	KindAcronym    = "acronym"
	KindQuoted     = "quoted"
	KindTerm       = "term"
)

// Concepts is the set of notable tokens extracted from one text, keyed by the
// normalised token with its kind as value.
type Concepts map[string]string

// ExtractConcepts pulls URLs, emails, dates, numbers, camelCase and
// snake_case identifiers, acronyms, quoted phrases and the most frequent
// content terms out of s.
func ExtractConcepts(s string) Concepts {
	c := make(Concepts)
	add := func(kind string, vals []string) {
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, ok := c[key]; !ok {
				c[key] = kind
			}
		}
	}

	add(KindURL, urlRe.FindAllString(s, -1))
	add(KindEmail, emailRe.FindAllString(s, -1))
	add(KindDate, dateRe.FindAllString(s, -1))
	add(KindIdentifier, camelRe.FindAllString(s, -1))
	add(KindIdentifier, snakeRe.FindAllString(s, -1))
	add(KindAcronym, acronymRe.FindAllString(s, -1))
	for _, m := range quotedRe.FindAllStringSubmatch(s, -1) {
		add(KindQuoted, []string{m[1] + m[2]})
	}

	// numbers that are part of a date were already captured
	stripped := dateRe.ReplaceAllString(s, " ")
	add(KindNumber, numberRe.FindAllString(stripped, -1))

	counts := make(map[string]int)
	for _, w := range ContentWords(s, 5) {
		counts[w]++
	}
	add(KindTerm, topN(counts, 10, 1))
	return c
}

// Keys returns the concept tokens sorted.
func (c Concepts) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Shared returns the tokens present in both c and other, sorted.
func (c Concepts) Shared(other Concepts) []string {
	var out []string
	for k := range c {
		if _, ok := other[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Identifiers returns the pattern-derived concepts only (everything except
// plain frequent terms), sorted.
func (c Concepts) Identifiers() []string {
	var out []string
	for k, kind := range c {
		if kind != KindTerm {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// CapitalizedTerms returns capitalised words in s that are not at the start
// of a sentence, lower-cased, in order of first appearance.
func CapitalizedTerms(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, idx := range capRe.FindAllStringIndex(s, -1) {
		if sentenceStart(s, idx[0]) {
			continue
		}
		w := strings.ToLower(s[idx[0]:idx[1]])
		if IsStopWord(w) || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// QuotedPhrases returns the double-quoted or backticked phrases in s.
func QuotedPhrases(s string) []string {
	var out []string
	for _, m := range quotedRe.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1]+m[2])
	}
	return out
}

func sentenceStart(s string, i int) bool {
	j := i - 1
	for j >= 0 && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '"') {
		j--
	}
	return j < 0 || s[j] == '.' || s[j] == '!' || s[j] == '?' || s[j] == '\n'
}
