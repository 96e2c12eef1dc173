package tools

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

const (
	fetchTimeoutDefault = 15 * time.Second
	fetchMaxChars       = 20000
)

// WebFetchTool renders a page in headless Chrome and extracts the
// readable article text.
type WebFetchTool struct {
	timeout  time.Duration
	maxChars int
	logger   *log.Logger
}

// NewWebFetchTool builds the fetcher. Non-positive arguments take the
// defaults.
func NewWebFetchTool(timeout time.Duration, maxChars int) *WebFetchTool {
	if timeout <= 0 {
		timeout = fetchTimeoutDefault
	}
	if maxChars <= 0 {
		maxChars = fetchMaxChars
	}
	return &WebFetchTool{
		timeout:  timeout,
		maxChars: maxChars,
		logger:   log.New(os.Stdout, "[FETCH] ", log.LstdFlags),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its readable text content."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The page URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	raw := strings.TrimSpace(argString(args, "url"))
	if raw == "" {
		return "", fmt.Errorf("web_fetch: empty url")
	}
	pageURL, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("web_fetch: invalid url %q: %w", raw, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var html string
	err = withRetry(ctx, t.logger, "web_fetch", func() error {
		var ferr error
		html, ferr = fetchHTML(ctx, raw)
		return Transient(ferr)
	})
	if err != nil {
		return "", fmt.Errorf("web_fetch: render %s: %w", raw, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return "", fmt.Errorf("web_fetch: extract %s: %w", raw, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > t.maxChars {
		text = text[:t.maxChars]
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		return text, nil
	}
	return title + "\n\n" + text, nil
}

func fetchHTML(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("deepresearch/1.0 (+https://github.com/parsmind/deepresearch)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
