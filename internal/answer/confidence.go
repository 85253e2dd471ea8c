package answer

import (
	"regexp"
	"strings"
)

// Scorer turns retrieval evidence into a confidence value in [0,1]. The
// function is deterministic and monotonic: adding a corroborating chunk at
// or above the support floor never lowers the score, and empty grounding
// always scores zero.
type Scorer struct {
	// SupportFloor is the similarity a chunk needs to count as independent
	// support for the answer.
	SupportFloor float64
}

// Weights for the three signals. Top-1 similarity dominates: an answer
// built on one excellent match beats one built on many mediocre ones.
const (
	weightTopSimilarity = 0.5
	weightOverlap       = 0.3
	weightSupport       = 0.2
)

// Score combines the best grounding similarity, the lexical overlap of the
// generated text with the grounding texts, and the count of independently
// supporting chunks.
func (s *Scorer) Score(generated string, similarities []float64, groundingTexts []string) float64 {
	if len(similarities) == 0 {
		return 0
	}

	top := 0.0
	support := 0
	for _, sim := range similarities {
		if sim > top {
			top = sim
		}
		if sim >= s.SupportFloor {
			support++
		}
	}

	overlap := lexicalOverlap(generated, groundingTexts)
	supportTerm := float64(support) / float64(support+1)

	score := weightTopSimilarity*top + weightOverlap*overlap + weightSupport*supportTerm
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// Common words carry no evidential weight in the overlap check.
var fillerWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "are": true, "was": true, "it": true,
	"that": true, "this": true, "for": true, "as": true, "on": true, "with": true,
}

// lexicalOverlap is the fraction of the answer's content words present in
// any grounding text. A cheap proxy for claim/evidence agreement.
func lexicalOverlap(generated string, groundingTexts []string) float64 {
	answerWords := contentWords(generated)
	if len(answerWords) == 0 {
		return 0
	}

	grounding := make(map[string]bool)
	for _, text := range groundingTexts {
		for w := range contentWords(text) {
			grounding[w] = true
		}
	}

	matched := 0
	for w := range answerWords {
		if grounding[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerWords))
}

func contentWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if !fillerWords[w] {
			words[w] = true
		}
	}
	return words
}
