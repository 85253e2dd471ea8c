package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrMalformedInput marks payloads that cannot be decoded or contain no
// extractable text. Retrying will not fix it; callers must report and skip.
var ErrMalformedInput = errors.New("malformed input")

type SourceType string

const (
	SourceWeb SourceType = "web"
	SourceRSS SourceType = "rss"
	SourcePDF SourceType = "pdf"
)

// RawDocument is what fetchers and connectors hand the engine.
type RawDocument struct {
	Payload    []byte
	SourceURI  string
	SourceType SourceType
	FetchedAt  time.Time
}

// CanonicalDocument is the normalized form: clean UTF-8 text plus whatever
// structural metadata could be extracted from the payload.
type CanonicalDocument struct {
	Text        string
	Title       string
	PublishedAt time.Time
	Language    string
}

// Normalizer converts raw payloads into canonical text. It is a pure
// function of its input: identical payloads always normalize identically,
// which is what makes content-hash deduplication sound.
type Normalizer struct {
	minTextChars int
}

func New(minTextChars int) *Normalizer {
	return &Normalizer{minTextChars: minTextChars}
}

func (n *Normalizer) Normalize(raw RawDocument) (*CanonicalDocument, error) {
	if len(raw.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrMalformedInput, raw.SourceURI)
	}
	if !utf8.Valid(raw.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8 for %s", ErrMalformedInput, raw.SourceURI)
	}

	var doc *CanonicalDocument
	var err error

	switch raw.SourceType {
	case SourceWeb:
		doc, err = normalizeHTML(string(raw.Payload))
	case SourceRSS:
		doc, err = normalizeRSSItem(raw.Payload)
	case SourcePDF:
		// PDF extraction is an external collaborator; the payload arrives
		// as already-extracted plain text.
		doc = &CanonicalDocument{Text: collapseWhitespace(string(raw.Payload))}
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", ErrMalformedInput, raw.SourceType)
	}
	if err != nil {
		return nil, err
	}

	if len(doc.Text) < n.minTextChars {
		return nil, fmt.Errorf("%w: text too short (%d chars, minimum %d) for %s",
			ErrMalformedInput, len(doc.Text), n.minTextChars, raw.SourceURI)
	}

	if doc.Language == "" {
		doc.Language = guessLanguage(doc.Text)
	}
	return doc, nil
}

var (
	// Tags whose content is never prose. Header/footer/nav hold boilerplate
	// that would pollute every chunk of a site.
	stripBlockRe = regexp.MustCompile(`(?is)` +
		`<script\b[^>]*>.*?</script>|` +
		`<style\b[^>]*>.*?</style>|` +
		`<noscript\b[^>]*>.*?</noscript>|` +
		`<header\b[^>]*>.*?</header>|` +
		`<footer\b[^>]*>.*?</footer>|` +
		`<nav\b[^>]*>.*?</nav>|` +
		`<aside\b[^>]*>.*?</aside>`)
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	langAttrRe   = regexp.MustCompile(`(?is)<html[^>]*\blang\s*=\s*["']?([a-zA-Z-]+)`)
	metaDateRe   = regexp.MustCompile(`(?is)<meta[^>]+(?:property|name)\s*=\s*["'](?:article:published_time|date|dc\.date)["'][^>]+content\s*=\s*["']([^"']+)["']`)
	blockEndRe   = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|tr|blockquote|section|article)>|<br\s*/?>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	entityRe     = regexp.MustCompile(`&(amp|lt|gt|quot|#39|nbsp);`)
	spaceRe      = regexp.MustCompile(`[ \t]+`)
	blankLineRe  = regexp.MustCompile(`\n{3,}`)
)

func normalizeHTML(html string) (*CanonicalDocument, error) {
	doc := &CanonicalDocument{}

	if m := titleRe.FindStringSubmatch(html); m != nil {
		doc.Title = collapseWhitespace(decodeEntities(m[1]))
	}
	if m := langAttrRe.FindStringSubmatch(html); m != nil {
		doc.Language = strings.ToLower(strings.SplitN(m[1], "-", 2)[0])
	}
	if m := metaDateRe.FindStringSubmatch(html); m != nil {
		if t, err := parseDate(m[1]); err == nil {
			doc.PublishedAt = t
		}
	}

	text := stripBlockRe.ReplaceAllString(html, " ")
	text = commentRe.ReplaceAllString(text, " ")
	// Keep paragraph structure: block closers become newlines so the chunker
	// can prefer paragraph boundaries later.
	text = blockEndRe.ReplaceAllString(text, "\n\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = decodeEntities(text)
	text = normalizeBlocks(text)

	if text == "" {
		return nil, fmt.Errorf("%w: no extractable text in html payload", ErrMalformedInput)
	}
	doc.Text = text
	return doc, nil
}

func decodeEntities(s string) string {
	return entityRe.ReplaceAllStringFunc(s, func(e string) string {
		switch e {
		case "&amp;":
			return "&"
		case "&lt;":
			return "<"
		case "&gt;":
			return ">"
		case "&quot;":
			return `"`
		case "&#39;":
			return "'"
		case "&nbsp;":
			return " "
		}
		return e
	})
}

// normalizeBlocks collapses runs of spaces and blank lines while keeping
// single blank lines as paragraph separators.
func normalizeBlocks(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankLineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}
