// Package text provides the lexical helpers used to compare, summarise and
// describe memory content: tokenising, stop words, concept extraction,
// sentence splitting and structural pattern detection.
package text

// stopWords is the set of common English words ignored when counting terms.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"if": true, "in": true, "is": true, "it": true, "its": true, "not": true,
	"of": true, "on": true, "or": true, "so": true, "the": true, "to": true,
	"was": true, "we": true, "you": true, "i": true, "he": true, "she": true,
	"our": true, "us": true, "my": true, "me": true, "no": true, "yes": true,
	"that": true, "this": true, "with": true, "from": true, "has": true,
	"have": true, "been": true, "were": true, "they": true, "had": true,
	"their": true, "which": true, "would": true, "there": true, "then": true,
	"about": true, "could": true, "other": true, "into": true, "all": true,
	"more": true, "some": true, "than": true, "them": true, "any": true,
	"very": true, "when": true, "what": true, "your": true, "how": true,
	"also": true, "each": true, "does": true, "will": true, "why": true,
	"just": true, "should": true, "because": true, "these": true, "those": true,
	"only": true, "over": true, "such": true, "where": true, "while": true,
	"who": true, "whom": true, "here": true, "after": true, "before": true,
	"being": true, "both": true, "most": true, "much": true, "must": true,
	"once": true, "same": true, "under": true, "until": true, "upon": true,
	"using": true, "used": true, "use": true, "via": true, "get": true,
	"got": true, "did": true, "done": true, "make": true, "made": true,
	"like": true, "well": true, "even": true, "still": true, "again": true,
}

// IsStopWord reports whether w (lower case) is a common English stop word.
func IsStopWord(w string) bool {
	return stopWords[w]
}
