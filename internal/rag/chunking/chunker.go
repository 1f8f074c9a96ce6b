// Package chunking splits document bodies into overlapping passages.
package chunking

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 60

	minSize = 120
	// A window is cut at its last ". " only past this share of the size.
	sentenceCutRatio = 0.4
)

var whitespace = regexp.MustCompile(`\s+`)

// Chunk splits text into windows of at most size runes that overlap by
// overlap runes, preferring to end a window on a sentence boundary.
func Chunk(text string, size, overlap int) []string {
	runes := []rune(collapse(text))
	if len(runes) == 0 {
		return nil
	}

	if size < minSize {
		size = minSize
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			if split := lastSentenceBreak(runes[start:end]); float64(split) > float64(size)*sentenceCutRatio {
				end = start + split + 1
			}
		}

		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next < start+1 {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func lastSentenceBreak(window []rune) int {
	for i := len(window) - 2; i >= 0; i-- {
		if window[i] == '.' && window[i+1] == ' ' {
			return i
		}
	}
	return -1
}

func collapse(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// LooksLikeHTML reports whether body starts with markup.
func LooksLikeHTML(body string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	if !strings.HasPrefix(trimmed, "<") {
		return false
	}
	return strings.HasPrefix(trimmed, "<!doctype") ||
		strings.HasPrefix(trimmed, "<html") ||
		strings.Contains(trimmed, "<body") ||
		strings.Contains(trimmed, "</")
}

// CleanHTML returns the visible text of an HTML document with page chrome
// removed and whitespace collapsed.
func CleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return collapse(doc.Find("body").Text())
}

// ExtractTitle returns the document title, falling back to the first h1.
func ExtractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}
