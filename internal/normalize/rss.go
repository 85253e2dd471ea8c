package normalize

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// rssItem covers the fields the engine cares about from a single RSS/Atom
// entry. Connectors deliver one item per payload, not a whole feed.
type rssItem struct {
	XMLName     xml.Name
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Content     string `xml:"encoded"` // content:encoded
	Summary     string `xml:"summary"` // atom
	PubDate     string `xml:"pubDate"`
	Published   string `xml:"published"` // atom
	Language    string `xml:"language"`
}

func normalizeRSSItem(payload []byte) (*CanonicalDocument, error) {
	var item rssItem
	if err := xml.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("%w: rss item does not parse: %v", ErrMalformedInput, err)
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}
	if body == "" {
		body = item.Summary
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: rss item has no body", ErrMalformedInput)
	}

	// Item bodies are frequently HTML fragments.
	var text string
	if strings.Contains(body, "<") {
		doc, err := normalizeHTML(body)
		if err != nil {
			return nil, err
		}
		text = doc.Text
	} else {
		text = normalizeBlocks(body)
	}

	doc := &CanonicalDocument{
		Text:     text,
		Title:    collapseWhitespace(item.Title),
		Language: strings.ToLower(strings.SplitN(item.Language, "-", 2)[0]),
	}

	dateStr := item.PubDate
	if dateStr == "" {
		dateStr = item.Published
	}
	if dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			doc.PublishedAt = t
		}
	}
	return doc, nil
}
