package text

import (
	"regexp"
	"strings"
)

var (
	sentenceEndRe = regexp.MustCompile(`([.!?])\s+`)
	listLineRe    = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+\S`)
	headerLineRe  = regexp.MustCompile(`(?m)^\s*#{1,6}\s+\S|^[^\n]{1,60}:\s*$`)
)

var (
	problemWords  = []string{"problem", "issue", "error", "bug", "fail", "broken", "crash", "exception"}
	solutionWords = []string{"solution", "fix", "fixed", "resolved", "solve", "workaround", "answer", "patch"}
)

// Sentences splits s on sentence terminators followed by whitespace.
// Terminators stay attached to their sentence.
func Sentences(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	marked := sentenceEndRe.ReplaceAllString(s, "$1\x00")
	var out []string
	for _, part := range strings.Split(marked, "\x00") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Structure describes layout features of a text.
type Structure struct {
	List      bool
	Header    bool
	CodeBlock bool
	Question  bool
	Problem   bool
	Solution  bool
}

// DetectStructure inspects s for lists, headers, fenced code, questions and
// problem/solution framing.
func DetectStructure(s string) Structure {
	lower := strings.ToLower(s)
	return Structure{
		List:      listLineRe.MatchString(s),
		Header:    headerLineRe.MatchString(s),
		CodeBlock: strings.Contains(s, "```") || strings.Contains(s, "\n    "),
		Question:  strings.Contains(s, "?"),
		Problem:   containsAny(lower, problemWords),
		Solution:  containsAny(lower, solutionWords),
	}
}

// SharedPatterns names the structural features present in both a and b.
func (a Structure) SharedPatterns(b Structure) []string {
	var out []string
	if a.List && b.List {
		out = append(out, "list")
	}
	if a.Header && b.Header {
		out = append(out, "header")
	}
	if a.CodeBlock && b.CodeBlock {
		out = append(out, "code_block")
	}
	return out
}

// Complementary reports whether a and b frame the same subject from opposite
// sides: a problem and its solution, or a question and a statement.
func (a Structure) Complementary(b Structure) (string, bool) {
	if (a.Problem && !a.Solution && b.Solution) || (b.Problem && !b.Solution && a.Solution) {
		return "problem_solution", true
	}
	if a.Question != b.Question {
		return "question_answer", true
	}
	return "", false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
