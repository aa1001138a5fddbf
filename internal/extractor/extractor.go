// Package extractor turns a fetched HTML page into readable plain text: a
// primary boilerplate-stripping pass, a visible-text fallback when that
// pass yields nothing, and the length gates that decide whether the result
// is usable at all.
package extractor

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/markusmobius/go-trafilatura"
)

// droppedTags are stripped entirely before the fallback pass collects text:
// none of their contents are ever meant to render as page copy.
var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"template": true, "svg": true, "canvas": true, "iframe": true,
}

// Extract returns readable text from html along with an error code when the
// result is unusable. An empty error code means success. minChars/maxChars
// bound the accepted length: too short is rejected, too long is truncated.
func Extract(htmlSrc string, minChars, maxChars int) (text string, errorCode string) {
	text = extractPrimary(htmlSrc)
	if text == "" {
		text = extractVisibleText(htmlSrc)
	}
	text = strings.TrimSpace(text)

	if text == "" {
		return "", "empty_extraction"
	}
	// minChars/maxChars bound character count, matching the original
	// service's policy; len(text) counts bytes, which would gate multibyte
	// content at the wrong boundary.
	if utf8.RuneCountInString(text) < minChars {
		return "", "too_short"
	}
	if utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = string(runes[:maxChars])
	}
	return text, ""
}

func extractPrimary(htmlSrc string) string {
	defer func() { recover() }() // a malformed document must fall through to the fallback, not panic the worker

	result, err := trafilatura.Extract(strings.NewReader(htmlSrc), trafilatura.Options{
		IncludeImages: false,
		IncludeLinks:  false,
	})
	if err != nil || result == nil {
		return ""
	}
	return strings.TrimSpace(result.ContentText)
}

// extractVisibleText walks the DOM and concatenates text node content,
// skipping non-visible elements, then collapses blank lines.
func extractVisibleText(htmlSrc string) string {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return ""
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && droppedTags[strings.ToLower(n.Data)] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(lines, "\n")
}
