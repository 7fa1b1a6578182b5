package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentLinks(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body>
<a href="/a">A</a>
<a href="b.html#frag">B</a>
<a href="/a">A again</a>
<a href="//other.example.org/c">C</a>
<a href="mailto:x@example.com">mail</a>
<a>no href</a>
</body></html>`)
	doc, err := NewDocument("https://example.com/dir/index.html", 200, body, false)
	require.NoError(t, err)

	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com/dir/b.html",
		"https://other.example.org/c",
	}, doc.Links())
}

func TestDocumentLinksHonorsBaseElement(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><base href="https://cdn.example.com/root/"></head>
<body><a href="page">p</a></body></html>`)
	doc, err := NewDocument("https://example.com/", 200, body, true)
	require.NoError(t, err)
	require.True(t, doc.UsedDynamic)
	require.Equal(t, []string{"https://cdn.example.com/root/page"}, doc.Links())
}

func TestNilDocumentLinks(t *testing.T) {
	t.Parallel()

	var doc *Document
	require.Nil(t, doc.Links())
}

func TestIsHTMLContentType(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTMLContentType("text/html; charset=utf-8", nil))
	require.True(t, IsHTMLContentType("application/xhtml+xml", nil))
	require.False(t, IsHTMLContentType("application/json", nil))
	require.True(t, IsHTMLContentType("", []byte("<!DOCTYPE html><html></html>")))
	require.False(t, IsHTMLContentType("", []byte{0x89, 'P', 'N', 'G'}))
}
