// Package detector decides when to promote link fetches to headless renderers.
package detector

import (
	"bytes"

	"github.com/quillbox-app/quillbox-workers/internal/htmlx"
	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// scriptShareThreshold is the percentage of a document that must be script
// element bytes before a small page counts as script-heavy.
const scriptShareThreshold = 25

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required. A result that
// already came from the headless fetcher is never promoted again.
func (h *Heuristic) ShouldPromote(probe notes.FetchResult) bool {
	if probe.StatusCode != 200 || probe.UsedHeadless {
		return false
	}
	body := probe.Body
	switch {
	case len(body) == 0:
		return true
	case len(body) < h.BodyLengthThreshold && scriptShare(body) >= scriptShareThreshold:
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	// Markup that strips to no text at all is a shell waiting for scripts.
	return htmlx.StripToPlainText(string(body)) == ""
}

// scriptShare reports the percentage of the document occupied by script
// elements, counting the tags themselves as well as their contents. A script
// that never closes claims the rest of the document.
func scriptShare(body []byte) int {
	doc := bytes.ToLower(body)
	if len(doc) == 0 {
		return 0
	}

	covered := 0
	for cursor := 0; cursor < len(doc); {
		open := bytes.Index(doc[cursor:], []byte("<script"))
		if open < 0 {
			break
		}
		open += cursor

		span := len(doc) - open
		if gt := bytes.IndexByte(doc[open:], '>'); gt >= 0 {
			content := open + gt + 1
			if end := bytes.Index(doc[content:], []byte("</script>")); end >= 0 {
				span = content + end + len("</script>") - open
			}
		}
		covered += span
		cursor = open + span
	}

	return covered * 100 / len(doc)
}
