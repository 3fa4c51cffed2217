// Package parser extracts readable articles from stored page bodies.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// ArticleSuffix is appended to a page's blob path to name its extracted article.
const ArticleSuffix = ".article.json"

// DefaultLimit is the number of recently fetched pages parsed when no limit is given.
const DefaultLimit = 100

// Article is the readable content extracted from one page.
type Article struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Byline      string     `json:"byline,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	SiteName    string     `json:"site_name,omitempty"`
	Language    string     `json:"language,omitempty"`
	Text        string     `json:"text"`
	Length      int        `json:"length"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

// Source lists fetched frontier entries.
type Source interface {
	ListFetched(ctx context.Context, limit int) ([]crawler.FrontierEntry, error)
}

// Result summarizes a parse run.
type Result struct {
	Parsed  int
	Skipped int
	Failed  int
}

// Parser reads stored pages and writes their articles next to them.
type Parser struct {
	source Source
	blobs  crawler.BlobStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Parser.
func New(source Source, blobs crawler.BlobStore, clk crawler.Clock, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{source: source, blobs: blobs, clock: clk, logger: logger.Named("parser")}
}

// Run parses the limit most recently fetched pages. Per-page failures are logged and counted;
// only a failure to list pages is returned.
func (p *Parser) Run(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := p.source.ListFetched(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("list fetched: %w", err)
	}

	var res Result
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, nil
		}
		if entry.StoragePath == nil || *entry.StoragePath == "" {
			res.Skipped++
			continue
		}
		ref, err := p.parseEntry(ctx, entry)
		if err != nil {
			res.Failed++
			p.logger.Warn("parse failed", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		res.Parsed++
		p.logger.Debug("article written", zap.String("url", entry.URL), zap.String("ref", ref))
	}
	p.logger.Info("parse finished",
		zap.Int("parsed", res.Parsed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (p *Parser) parseEntry(ctx context.Context, entry crawler.FrontierEntry) (string, error) {
	ref := *entry.StoragePath
	body, err := p.blobs.GetObject(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	article, err := p.Extract(entry.URL, body)
	if err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(article, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal article: %w", err)
	}
	pagePath, err := p.blobs.PathOf(ref)
	if err != nil {
		return "", fmt.Errorf("resolve page path: %w", err)
	}
	out, err := p.blobs.PutObject(ctx, pagePath+ArticleSuffix, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("write article: %w", err)
	}
	return out, nil
}

// Extract runs readability over an HTML body fetched from pageURL.
func (p *Parser) Extract(pageURL string, body []byte) (Article, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return Article{}, fmt.Errorf("parse url: %w", err)
	}
	reader, err := charset.NewReader(bytes.NewReader(body), "text/html")
	if err != nil {
		return Article{}, fmt.Errorf("decode charset: %w", err)
	}
	doc, err := readability.FromReader(reader, parsed)
	if err != nil {
		return Article{}, fmt.Errorf("readability: %w", err)
	}
	text := normalizeText(doc.TextContent)
	if text == "" {
		return Article{}, errors.New("no readable content")
	}
	return Article{
		URL:         pageURL,
		Title:       strings.TrimSpace(doc.Title),
		Byline:      strings.TrimSpace(doc.Byline),
		Excerpt:     strings.TrimSpace(doc.Excerpt),
		SiteName:    strings.TrimSpace(doc.SiteName),
		Language:    doc.Language,
		Text:        text,
		Length:      doc.Length,
		PublishedAt: doc.PublishedTime,
		ExtractedAt: p.clock.Now().UTC(),
	}, nil
}

// normalizeText collapses runs of blank lines and trims each line.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
