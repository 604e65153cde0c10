package ham

import (
	"regexp"
	"sort"
	"strings"
)

// textualPrefixes lists the data_type prefixes abstracted as structured
// text gists (spec §4.2 "Abstraction of text"). Anything else is treated
// as an opaque UTF-8 payload.
var textualPrefixes = []string{"dialogue_text", "user_profile_fact"}

func isTextual(dataType string) bool {
	for _, p := range textualPrefixes {
		if strings.HasPrefix(dataType, p) {
			return true
		}
	}
	return false
}

var sentenceBoundary = regexp.MustCompile(`[.!?][\s]|[\n]`)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "being": {}, "to": {}, "of": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "as": {}, "by": {}, "that": {}, "this": {},
	"it": {}, "i": {}, "you": {}, "he": {}, "she": {}, "we": {}, "they": {}, "from": {},
	"has": {}, "have": {}, "had": {}, "not": {}, "do": {}, "does": {}, "did": {}, "so": {},
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9']+`)

// Abstract builds a Gist from raw input per spec §4.2. dataType selects
// between the structured text path and the opaque raw path.
func Abstract(raw string, dataType string) Gist {
	if !isTextual(dataType) {
		return Gist{Raw: raw}
	}

	summary := firstSentence(raw)
	keywords := topKeywords(raw, 5)

	return Gist{
		Summary:        summary,
		Keywords:       keywords,
		OriginalLength: len(raw),
		// Language-specific fields are reserved shape per spec §9: populated
		// with a placeholder, never consulted for retrieval correctness.
		Language: detectLanguagePlaceholder(raw),
	}
}

func firstSentence(text string) string {
	loc := sentenceBoundary.FindStringIndex(text)
	if loc == nil {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:loc[0]+1])
}

func topKeywords(text string, n int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if len(w) < 2 {
			continue
		}
		if _, seen := counts[w]; !seen {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	if len(order) > n {
		order = order[:n]
	}
	return order
}

// detectLanguagePlaceholder returns a reserved-shape placeholder. It is
// not load-bearing: retrieval and correctness never depend on its value.
func detectLanguagePlaceholder(text string) string {
	for _, r := range text {
		if r > 0x2E80 && r < 0x9FFF {
			return "zh"
		}
	}
	return "en"
}
