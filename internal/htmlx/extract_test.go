package htmlx

import (
	"strings"
	"testing"
)

func TestExtractTitle(t *testing.T) {
	t.Run("first title wins", func(t *testing.T) {
		got := ExtractTitle(`<html><head><title>First</title><title>Second</title></head></html>`)
		if got == nil || *got != "First" {
			t.Fatalf("ExtractTitle = %v, want First", deref(got))
		}
	})

	t.Run("entities decoded", func(t *testing.T) {
		got := ExtractTitle(`<title>Fish &amp; Chips &lt;fresh&gt;</title>`)
		if got == nil || *got != "Fish & Chips <fresh>" {
			t.Fatalf("ExtractTitle = %v, want decoded entities", deref(got))
		}
	})

	t.Run("absent title", func(t *testing.T) {
		if got := ExtractTitle(`<html><body><p>no head</p></body></html>`); got != nil {
			t.Fatalf("ExtractTitle = %q, want nil", *got)
		}
	})

	t.Run("title beyond truncation boundary is unavailable", func(t *testing.T) {
		doc := "<html><head>" + strings.Repeat("<!-- padding -->", 10*1024) + "<title>Late</title></head></html>"
		if got := ExtractTitle(doc); got != nil {
			t.Fatalf("ExtractTitle = %q, want nil past the prefix cap", *got)
		}
	})
}

func TestExtractDescription(t *testing.T) {
	cases := []struct {
		name string
		html string
		want string
	}{
		{
			name: "meta name description",
			html: `<meta name="description" content="A note app">`,
			want: "A note app",
		},
		{
			name: "attribute order independent",
			html: `<meta content="Reversed attrs" name="description">`,
			want: "Reversed attrs",
		},
		{
			name: "og description fallback",
			html: `<meta property="og:description" content="Social blurb">`,
			want: "Social blurb",
		},
		{
			name: "name description preferred over og",
			html: `<meta property="og:description" content="og"><meta name="description" content="plain">`,
			want: "plain",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractDescription(tc.html)
			if got == nil || *got != tc.want {
				t.Fatalf("ExtractDescription = %v, want %q", deref(got), tc.want)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		if got := ExtractDescription(`<meta name="keywords" content="notes">`); got != nil {
			t.Fatalf("ExtractDescription = %q, want nil", *got)
		}
	})
}

func TestExtractContentExcerpt(t *testing.T) {
	t.Run("strips markup and collapses whitespace", func(t *testing.T) {
		doc := `<html><head><style>body { color: red }</style></head>
			<body><script>var x = "<p>ignored</p>";</script>
			<h1>Heading</h1>
			<p>Some   spaced

			text &amp; more</p></body></html>`
		got := ExtractContentExcerpt(doc)
		if got == nil || *got != "Heading Some spaced text & more" {
			t.Fatalf("ExtractContentExcerpt = %v", deref(got))
		}
	})

	t.Run("caps at 500 characters", func(t *testing.T) {
		doc := "<p>" + strings.Repeat("word ", 200) + "</p>"
		got := ExtractContentExcerpt(doc)
		if got == nil {
			t.Fatal("expected excerpt")
		}
		if n := len([]rune(*got)); n != 500 {
			t.Fatalf("excerpt length = %d, want 500", n)
		}
	})

	t.Run("empty body yields nil", func(t *testing.T) {
		if got := ExtractContentExcerpt(`<html><body><script>only()</script></body></html>`); got != nil {
			t.Fatalf("ExtractContentExcerpt = %q, want nil", *got)
		}
	})
}

func TestStripToPlainText(t *testing.T) {
	cases := []struct {
		name string
		html string
		want string
	}{
		{"simple paragraph", "<p>Hi</p>", "Hi"},
		{"plain text untouched", "already plain", "already plain"},
		{"entities decoded", "a &lt; b &amp;&amp; c &gt; d", "a < b && c > d"},
		{"script contents removed", `before<script>alert("x")</script>after`, "before after"},
		{"style contents removed", "x<style>.a{display:none}</style>y", "x y"},
		{"empty input", "", ""},
		{"multiline tags", "<div\nclass=\"x\">text</div>", "text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripToPlainText(tc.html); got != tc.want {
				t.Fatalf("StripToPlainText(%q) = %q, want %q", tc.html, got, tc.want)
			}
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
