package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode: 200,
		Body:       []byte(""),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<div id="__next">content here</div>`),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	probe := notes.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_TextlessMarkup(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<html><body><div class="mount"></div></body></html>`),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_StaticPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode: 200,
		Body:       []byte(`<html><body><article>A perfectly ordinary static article body.</article></body></html>`),
	}
	require.False(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode: 404,
		Body:       []byte("not found"),
	}
	require.False(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_NeverRepromotesHeadless(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := notes.FetchResult{
		StatusCode:   200,
		Body:         []byte(""),
		UsedHeadless: true,
	}
	require.False(t, h.ShouldPromote(probe))
}
