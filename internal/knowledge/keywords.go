package knowledge

import (
	"sort"
	"strings"
	"unicode"
)

const maxKeywords = 8

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "all": true, "also": true,
	"and": true, "any": true, "are": true, "because": true, "been": true,
	"before": true, "but": true, "can": true, "could": true, "did": true,
	"does": true, "done": true, "each": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "how": true, "into": true,
	"its": true, "just": true, "line": true, "more": true, "not": true,
	"now": true, "off": true, "once": true, "only": true, "other": true,
	"our": true, "out": true, "over": true, "same": true, "should": true,
	"some": true, "step": true, "steps": true, "such": true, "than": true,
	"that": true, "the": true, "their": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "those": true, "too": true,
	"under": true, "until": true, "use": true, "using": true, "very": true,
	"was": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "will": true, "with": true, "would": true,
	"you": true, "your": true,
	// placeholder words
	"url": true, "email": true, "uuid": true, "ip": true, "host": true,
	"path": true, "hash": true, "num": true,
	// episode section headings
	"problem": true, "solution": true, "evidence": true, "validation": true,
	"title": true, "description": true,
}

// Keywords returns up to eight distinctive words from text, most frequent
// first, ties broken by first appearance.
func Keywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})

	count := map[string]int{}
	first := map[string]int{}
	for i, w := range words {
		w = strings.Trim(w, "-_")
		if len(w) < 3 || stopwords[w] || isNumeric(w) {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		count[w]++
	}

	out := make([]string, 0, len(count))
	for w := range count {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if count[out[i]] != count[out[j]] {
			return count[out[i]] > count[out[j]]
		}
		return first[out[i]] < first[out[j]]
	})
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
