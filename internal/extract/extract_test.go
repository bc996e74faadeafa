package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Markets Rally on Rate Cut Hopes</title>
  <meta property="article:published_time" content="2026-08-20T09:30:00Z">
</head>
<body>
  <nav><a href="/">Home</a><a href="/markets">Markets</a></nav>
  <article>
    <h1>Markets Rally on Rate Cut Hopes</h1>
    <p>Global equities climbed on Thursday as investors priced in an earlier
    start to the easing cycle. The rally was broad, with every major sector
    closing higher for the first time since spring.</p>
    <p>Bond yields fell in tandem, and the dollar weakened against a basket
    of major currencies. Analysts cautioned that the move rests on data due
    next week.</p>
  </article>
  <footer>Copyright 2026</footer>
</body>
</html>`

func TestExtractArticleText(t *testing.T) {
	t.Parallel()

	got, err := New().Extract([]byte(articleHTML), "https://example.com/markets/rally")
	require.NoError(t, err)
	require.Contains(t, got.Title, "Markets Rally")
	require.Contains(t, got.Text, "Global equities climbed")
	require.Contains(t, got.Text, "Bond yields fell")
	require.NotContains(t, got.Text, "Copyright 2026")
}

func TestExtractRejectsEmptyDocument(t *testing.T) {
	t.Parallel()

	_, err := New().Extract([]byte("<html><body></body></html>"), "https://example.com/empty")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no text content")
}

func TestExtractRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := New().Extract([]byte(articleHTML), "://bad url")
	require.Error(t, err)
}

func TestExtractLongBody(t *testing.T) {
	t.Parallel()

	para := "<p>" + strings.Repeat("A sentence about the economy. ", 50) + "</p>"
	html := "<html><head><title>Long</title></head><body><article><h1>Long</h1>" +
		para + para + "</article></body></html>"

	got, err := New().Extract([]byte(html), "https://example.com/long")
	require.NoError(t, err)
	require.Greater(t, len(got.Text), 1000)
}
