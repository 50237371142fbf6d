package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	markOpen  = "<mark>"
	markClose = "</mark>"
)

// QueryWords splits a query into lowercase words the same way Tokenize
// does, but keeps stopwords so they still anchor and highlight snippets.
func QueryWords(query string) []string {
	return tokenPattern.FindAllString(strings.ToLower(query), -1)
}

// Snippet cuts a window of radius runes either side of the first occurrence
// of a query word, trying words in query order, and highlights every query
// word inside it. When no word occurs the first fallback runes are returned
// unhighlighted.
func Snippet(text string, words []string, radius, fallback int) string {
	runes := []rune(text)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	for _, w := range words {
		needle := []rune(w)
		idx := indexRunes(lower, needle)
		if idx < 0 {
			continue
		}
		start := max(0, idx-radius)
		end := min(len(runes), idx+len(needle)+radius)
		return Highlight(string(runes[start:end]), words)
	}

	if len(runes) > fallback {
		runes = runes[:fallback]
	}
	return string(runes)
}

// Highlight wraps every case-insensitive occurrence of any word in <mark>
// tags. Longer words take precedence where alternatives overlap.
func Highlight(text string, words []string) string {
	re := highlightPattern(words)
	if re == nil {
		return text
	}
	return re.ReplaceAllString(text, markOpen+"${1}"+markClose)
}

func highlightPattern(words []string) *regexp.Regexp {
	uniq := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		uniq = append(uniq, w)
	}
	if len(uniq) == 0 {
		return nil
	}

	sort.SliceStable(uniq, func(i, j int) bool { return len(uniq[i]) > len(uniq[j]) })
	quoted := make([]string, len(uniq))
	for i, w := range uniq {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
