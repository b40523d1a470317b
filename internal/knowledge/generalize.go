package knowledge

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Rule replaces one class of implementation-specific identifier with a
// placeholder.
type Rule struct {
	ID          string
	Placeholder string
	Pattern     *regexp.Regexp
	// Accept filters candidate matches; text[start:end] is the match.
	Accept func(text string, start, end int) bool
}

// DefaultRules strip identifiers that tie an episode to one repository or
// host. When matches overlap, the earliest wins, then the longest, then the
// rule listed first.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "url", Placeholder: "<URL>", Pattern: regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"'<>()]+`)},
		{ID: "email", Placeholder: "<EMAIL>", Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{ID: "uuid", Placeholder: "<UUID>", Pattern: regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)},
		{ID: "ip", Placeholder: "<IP>", Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`)},
		{ID: "host", Placeholder: "<HOST>", Pattern: regexp.MustCompile(`\b(?:[a-zA-Z0-9-]+\.)+(?:com|net|org|io|dev|local|internal|svc|cluster|lan|corp|cloud)\b(?::\d{1,5})?`)},
		{ID: "location", Placeholder: "<PATH>:<LINE>", Pattern: regexp.MustCompile(`(?:~?/)?(?:[\w.-]+/)*[\w-][\w.-]*\.[A-Za-z0-9]{1,8}:\d+(?::\d+)?`), Accept: standalone},
		{ID: "abs_path", Placeholder: "<PATH>", Pattern: regexp.MustCompile(`(?:~|\.{1,2})?/[\w.@-]+(?:/[\w.@-]+)*/?`), Accept: standalone},
		{ID: "rel_path", Placeholder: "<PATH>", Pattern: regexp.MustCompile(`\b(?:[\w-][\w.-]*/)+[\w-][\w.-]*\.[A-Za-z0-9]{1,8}\b`), Accept: standalone},
		{ID: "line_ref", Placeholder: "line <LINE>", Pattern: regexp.MustCompile(`(?i)\bline\s+\d+\b`)},
		{ID: "hash", Placeholder: "<HASH>", Pattern: regexp.MustCompile(`\b[0-9a-f]{7,64}\b`), Accept: mixedHex},
		{ID: "number", Placeholder: "<NUM>", Pattern: regexp.MustCompile(`\b\d{4,}\b`)},
	}
}

// standalone rejects matches glued to a preceding word or slash, so "and/or"
// never yields "and<PATH>".
func standalone(text string, start, _ int) bool {
	if start == 0 {
		return true
	}
	prev := rune(text[start-1])
	return prev != '/' && prev != '_' && !unicode.IsLetter(prev) && !unicode.IsDigit(prev)
}

// mixedHex accepts hex runs containing both a digit and a letter.
func mixedHex(text string, start, end int) bool {
	s := text[start:end]
	return strings.ContainsAny(s, "0123456789") && strings.ContainsAny(s, "abcdef")
}

// Generalized is text with identifiers replaced.
type Generalized struct {
	Text   string
	ByRule map[string]int
}

// Replaced returns the number of substitutions.
func (g Generalized) Replaced() int {
	n := 0
	for _, c := range g.ByRule {
		n += c
	}
	return n
}

type span struct {
	start, end int
	rule       int
}

// Generalizer applies a rule set.
type Generalizer struct {
	rules []Rule
}

// NewGeneralizer uses DefaultRules when rules is empty.
func NewGeneralizer(rules ...Rule) *Generalizer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Generalizer{rules: rules}
}

// Apply replaces every accepted, non-overlapping match.
func (g *Generalizer) Apply(text string) Generalized {
	out := Generalized{Text: text, ByRule: map[string]int{}}

	var spans []span
	for i, r := range g.rules {
		for _, m := range r.Pattern.FindAllStringIndex(text, -1) {
			if r.Accept != nil && !r.Accept(text, m[0], m[1]) {
				continue
			}
			spans = append(spans, span{start: m[0], end: m[1], rule: i})
		}
	}
	if len(spans) == 0 {
		return out
	}

	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if a.end-a.start != b.end-b.start {
			return a.end-a.start > b.end-b.start
		}
		return a.rule < b.rule
	})

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.start < pos {
			continue
		}
		r := g.rules[s.rule]
		b.WriteString(text[pos:s.start])
		b.WriteString(r.Placeholder)
		out.ByRule[r.ID]++
		pos = s.end
	}
	b.WriteString(text[pos:])
	out.Text = b.String()
	return out
}

// Specificity is the share of words in the generalized text that are
// placeholders. Zero means the episode was abstract already.
func Specificity(g Generalized) float64 {
	words := len(strings.Fields(g.Text))
	if words == 0 {
		return 0
	}
	s := float64(g.Replaced()) / float64(words)
	if s > 1 {
		return 1
	}
	return s
}
