package normalize

import "strings"

// Stopword profiles for a cheap language guess. The guess is metadata only;
// nothing downstream branches on it, so a small profile set is enough.
var langProfiles = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "that", "for", "with", "as"},
	"es": {"el", "la", "de", "que", "los", "las", "una", "por", "con", "para"},
	"de": {"der", "die", "das", "und", "ist", "nicht", "ein", "mit", "für", "von"},
	"fr": {"le", "la", "les", "des", "est", "une", "dans", "pour", "que", "avec"},
}

func guessLanguage(text string) string {
	sample := text
	if len(sample) > 4000 {
		sample = sample[:4000]
	}

	words := strings.Fields(strings.ToLower(sample))
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[strings.Trim(w, ".,;:!?\"'()[]")]++
	}

	best, bestScore := "", 0
	for lang, stopwords := range langProfiles {
		score := 0
		for _, sw := range stopwords {
			score += counts[sw]
		}
		if score > bestScore || (score == bestScore && score > 0 && lang < best) {
			best, bestScore = lang, score
		}
	}
	if bestScore == 0 {
		return "unknown"
	}
	return best
}
