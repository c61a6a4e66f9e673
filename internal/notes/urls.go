package notes

import (
	"regexp"
	"strings"
)

// urlPattern deliberately over-matches; trailing sentence punctuation and
// unbalanced closing parens are trimmed afterwards so prose like
// "(see https://example.com/a)." yields the bare URL.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

const trailingPunct = ".,;:!?"

// ExtractURLs scans note content for http(s) URLs. Matches are de-duplicated
// preserving first-seen order; two mentions that differ only in trailing
// punctuation collapse to one entry.
func ExtractURLs(content string) []string {
	matches := urlPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		cleaned := trimURLTail(m)
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		urls = append(urls, cleaned)
	}
	if len(urls) == 0 {
		return nil
	}
	return urls
}

// trimURLTail strips trailing sentence punctuation and closing parens that
// have no matching opener inside the URL (so wiki-style "..._(disambiguation)"
// survives while "(https://x)" loses the wrapper).
func trimURLTail(match string) string {
	for len(match) > 0 {
		last := match[len(match)-1]
		if strings.IndexByte(trailingPunct, last) >= 0 {
			match = match[:len(match)-1]
			continue
		}
		if last == ')' && strings.Count(match, ")") > strings.Count(match, "(") {
			match = match[:len(match)-1]
			continue
		}
		break
	}
	return match
}
