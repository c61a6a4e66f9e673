// Package htmlx extracts text and metadata from raw HTML. All functions are
// pure: no I/O, no shared state.
package htmlx

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	// maxInputBytes bounds the prefix handed to extraction. Content past the
	// boundary is unavailable to extraction; a title sitting beyond the cut
	// is reported as absent.
	maxInputBytes = 100 * 1024

	// excerptLimit caps ExtractContentExcerpt output in characters.
	excerptLimit = 500
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleBlockPattern  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	tagPattern         = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// ExtractTitle returns the text of the first <title> element, entity-decoded,
// or nil when the document has none.
func ExtractTitle(rawHTML string) *string {
	doc, err := parse(rawHTML)
	if err != nil {
		return nil
	}
	sel := doc.Find("title").First()
	if sel.Length() == 0 {
		return nil
	}
	title := strings.TrimSpace(whitespacePattern.ReplaceAllString(sel.Text(), " "))
	if title == "" {
		return nil
	}
	return &title
}

// ExtractDescription returns the content of <meta name="description"> or, when
// absent, <meta property="og:description">. Attribute order in the tag does
// not matter. Returns nil when neither exists.
func ExtractDescription(rawHTML string) *string {
	doc, err := parse(rawHTML)
	if err != nil {
		return nil
	}
	for _, selector := range []string{
		`meta[name="description"]`,
		`meta[property="og:description"]`,
	} {
		if content, ok := doc.Find(selector).First().Attr("content"); ok {
			desc := strings.TrimSpace(whitespacePattern.ReplaceAllString(content, " "))
			if desc != "" {
				return &desc
			}
		}
	}
	return nil
}

// ExtractContentExcerpt strips markup from the document body and returns up to
// excerptLimit characters of readable text, or nil when nothing is left.
func ExtractContentExcerpt(rawHTML string) *string {
	text := StripToPlainText(rawHTML)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) > excerptLimit {
		text = string(runes[:excerptLimit])
	}
	return &text
}

// StripToPlainText removes script and style blocks, drops all remaining tags,
// decodes HTML entities, and collapses whitespace runs to single spaces.
func StripToPlainText(rawHTML string) string {
	s := truncate(rawHTML)
	s = scriptBlockPattern.ReplaceAllString(s, " ")
	s = styleBlockPattern.ReplaceAllString(s, " ")
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func parse(rawHTML string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(truncate(rawHTML)))
}

// truncate bounds extraction cost on pathological documents. Applied before
// any pattern work, so all extractors see the same prefix.
func truncate(rawHTML string) string {
	if len(rawHTML) <= maxInputBytes {
		return rawHTML
	}
	return rawHTML[:maxInputBytes]
}
