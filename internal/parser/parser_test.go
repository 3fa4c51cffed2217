package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-frontier/internal/clock"
	"github.com/JakeFAU/article-frontier/internal/crawler"
	"github.com/JakeFAU/article-frontier/internal/storage/memory"
)

var articleHTML = `<!DOCTYPE html>
<html lang="en"><head><title>Harbor Reopens After Storm</title>
<meta name="author" content="Dana Reyes">
<meta property="og:site_name" content="Coastal Daily">
</head><body>
<nav><a href="/">Home</a> <a href="/world">World</a></nav>
<article>
<h1>Harbor Reopens After Storm</h1>
<p>` + strings.Repeat("The harbor reopened on Tuesday after crews cleared debris left by the storm, officials said. ", 6) + `</p>
<p>` + strings.Repeat("Fishing boats returned to their moorings and the ferry resumed its normal schedule by evening. ", 6) + `</p>
<p>` + strings.Repeat("Local businesses said the closure had cost them a week of trade during the busiest season. ", 6) + `</p>
</article>
<footer>Copyright Coastal Daily</footer>
</body></html>`

func TestExtract(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC))
	p := New(nil, nil, clk, zap.NewNop())

	article, err := p.Extract("https://coastal.example.com/news/harbor", []byte(articleHTML))
	require.NoError(t, err)
	assert.Equal(t, "Harbor Reopens After Storm", article.Title)
	assert.Equal(t, "Dana Reyes", article.Byline)
	assert.Equal(t, "Coastal Daily", article.SiteName)
	assert.Contains(t, article.Text, "The harbor reopened on Tuesday")
	assert.NotContains(t, article.Text, "Copyright Coastal Daily")
	assert.Positive(t, article.Length)
	assert.Equal(t, clk.Now(), article.ExtractedAt)
}

func TestExtractEmptyPage(t *testing.T) {
	t.Parallel()

	p := New(nil, nil, clock.NewSystem(), nil)
	_, err := p.Extract("https://example.com/empty", []byte("<html><body></body></html>"))
	require.Error(t, err)
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	in := "\n\n  First   line \n\n\n\tSecond line\n   \nThird\n\n"
	assert.Equal(t, "First line\n\nSecond line\n\nThird", normalizeText(in))
}

type entriesSource []crawler.FrontierEntry

func (s entriesSource) ListFetched(_ context.Context, limit int) ([]crawler.FrontierEntry, error) {
	if limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func strPtr(s string) *string { return &s }

func TestRunWritesArticlesNextToPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	ref, err := blobs.PutObject(ctx, "pages/coastal.example.com/2024-03-01/news_harbor.html", "text/html", bytes.NewReader([]byte(articleHTML)))
	require.NoError(t, err)

	source := entriesSource{
		{ID: "1", URL: "https://coastal.example.com/news/harbor", StoragePath: strPtr(ref)},
		{ID: "2", URL: "https://coastal.example.com/news/missing", StoragePath: strPtr("memory://pages/missing.html")},
		{ID: "3", URL: "https://coastal.example.com/news/nobody"},
	}
	p := New(source, blobs, clock.NewSystem(), zap.NewNop())

	res, err := p.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Parsed: 1, Skipped: 1, Failed: 1}, res)

	raw, err := blobs.GetObject(ctx, "pages/coastal.example.com/2024-03-01/news_harbor.html"+ArticleSuffix)
	require.NoError(t, err)
	var article Article
	require.NoError(t, json.Unmarshal(raw, &article))
	assert.Equal(t, "https://coastal.example.com/news/harbor", article.URL)
	assert.Equal(t, "Harbor Reopens After Storm", article.Title)
}

func TestRunRespectsLimit(t *testing.T) {
	t.Parallel()

	source := entriesSource{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	p := New(source, memory.NewBlobStore(), clock.NewSystem(), nil)

	res, err := p.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
}
