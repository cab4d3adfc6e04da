// Package web fetches documents over HTTP and extracts plain text from
// HTML responses.
package web

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jortega/docagent/pkg/provider"
	"github.com/jortega/docagent/pkg/types"
)

const defaultMaxBodyBytes = 10 << 20 // 10 MB

// Config holds fetcher configuration.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Fetcher retrieves documents over HTTP.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// New creates a new web fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "docagent/1.0"
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	return &Fetcher{
		client:       &http.Client{Timeout: cfg.Timeout},
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Fetch retrieves the document at uri and returns its title and text
// content. HTML responses are stripped down to visible text.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*provider.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid uri %q: %v", types.ErrFetch, uri, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, text/plain, text/markdown")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", types.ErrFetch, uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", types.ErrFetch, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") || looksLikeHTML(body) {
		return extractHTML(string(body)), nil
	}

	return &provider.FetchResult{Text: string(body)}, nil
}

var _ provider.Fetcher = (*Fetcher)(nil)

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	droppedRe  = regexp.MustCompile(`(?is)<(script|style|nav|header|footer|noscript|svg)[^>]*>.*?</(script|style|nav|header|footer|noscript|svg)>`)
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockEndRe = regexp.MustCompile(`(?i)</(p|div|section|article|li|h[1-6]|tr|pre|blockquote)>|<br\s*/?>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
)

// extractHTML strips markup and returns the visible text plus the page
// title, if one is present.
func extractHTML(raw string) *provider.FetchResult {
	var title string
	if m := titleRe.FindStringSubmatch(raw); m != nil {
		title = strings.TrimSpace(html.UnescapeString(m[1]))
	}

	text := droppedRe.ReplaceAllString(raw, " ")
	text = commentRe.ReplaceAllString(text, " ")
	// Block boundaries become newlines so paragraphs survive tag removal
	text = blockEndRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return &provider.FetchResult{Title: title, Text: text}
}
