package text

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadChunkConfig = errors.New("invalid chunker configuration")

// Piece is one chunk of canonical text with its ordinal position within the
// document. Positions are dense and start at 0.
type Piece struct {
	Position int
	Text     string
}

type Chunker struct {
	maxChars     int
	overlapChars int
	minChars     int
}

// Approximate chars per token. Good enough for window sizing; the embedding
// model does its own tokenization.
const charsPerToken = 4

// NewChunker sizes windows in tokens. overlapTokens must be smaller than
// sizeTokens or the window would never advance.
func NewChunker(sizeTokens, overlapTokens, minChars int) (*Chunker, error) {
	if sizeTokens <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrBadChunkConfig, sizeTokens)
	}
	if overlapTokens < 0 || overlapTokens >= sizeTokens {
		return nil, fmt.Errorf("%w: overlap %d must be within [0,%d)", ErrBadChunkConfig, overlapTokens, sizeTokens)
	}
	if minChars < 0 {
		minChars = 0
	}
	return &Chunker{
		maxChars:     sizeTokens * charsPerToken,
		overlapChars: overlapTokens * charsPerToken,
		minChars:     minChars,
	}, nil
}

// Split cuts text into overlapping windows. The cut point prefers, in order,
// a paragraph break, a sentence end, then whitespace inside a tolerance zone
// at the window tail; a hard cut only happens for unbroken runs longer than
// the window. Identical text and configuration always produce identical
// pieces, so re-ingestion of unchanged content is a no-op downstream.
func (c *Chunker) Split(text string) []Piece {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if len(text) <= c.maxChars {
		if len(text) < c.minChars {
			return nil
		}
		return []Piece{{Position: 0, Text: text}}
	}

	var pieces []Piece
	start := 0

	for start < len(text) {
		end := start + c.maxChars

		if end >= len(text) {
			chunk := strings.TrimSpace(text[start:])
			if len(chunk) >= c.minChars {
				pieces = append(pieces, Piece{Position: len(pieces), Text: chunk})
			}
			break
		}

		boundary := c.cutPoint(text, start, end)

		chunk := strings.TrimSpace(text[start:boundary])
		if len(chunk) >= c.minChars {
			pieces = append(pieces, Piece{Position: len(pieces), Text: chunk})
		}

		step := boundary - start - c.overlapChars
		if step <= 0 {
			step = 1
		}
		start += step
	}

	return pieces
}

// Tolerance zone: how far back from the hard limit a preferred boundary may
// sit, as a fraction of the window.
const boundaryTolerance = 0.25

func (c *Chunker) cutPoint(text string, start, end int) int {
	floor := end - int(float64(c.maxChars)*boundaryTolerance)
	if floor < start {
		floor = start
	}
	window := text[floor:end]

	// Paragraph break first: cut after the blank line.
	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return floor + i + 2
	}

	// Sentence end next. Cut after the terminator and its trailing space.
	best := -1
	for _, term := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(window, term); i > best {
			best = i + len(term)
		}
	}
	if best > 0 {
		return floor + best
	}

	// Any whitespace: back up from the hard limit to the last space.
	boundary := end
	for boundary > start && !isSpace(text[boundary]) {
		boundary--
	}
	if boundary == start {
		// One unbroken run; force the cut.
		return end
	}
	return boundary
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
