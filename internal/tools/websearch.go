package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// SearchResult is one hit from a web search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is a web search backend.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]SearchResult, error)
}

// SearchProvider selects a Searcher implementation.
type SearchProvider string

const (
	ProviderBrave  SearchProvider = "brave"
	ProviderSerper SearchProvider = "serper"
)

// NewSearcher builds the backend for the given provider.
func NewSearcher(provider SearchProvider, apiKey string) (Searcher, error) {
	switch provider {
	case ProviderBrave:
		return braveSearch{apiKey: apiKey}, nil
	case ProviderSerper:
		return serperSearch{apiKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("tools: unsupported search provider %q", provider)
	}
}

type braveSearch struct {
	apiKey string
}

func (s braveSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://api.search.brave.com/app/documentation/web-search
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", url.QueryEscape(q), k)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()
	if err := checkSearchStatus(resp); err != nil {
		return nil, err
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}

type serperSearch struct {
	apiKey string
}

func (s serperSearch) Discover(ctx context.Context, q string, k int) ([]SearchResult, error) {
	// https://serper.dev/ docs
	body, err := json.Marshal(map[string]any{"q": q, "num": k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()
	if err := checkSearchStatus(resp); err != nil {
		return nil, err
	}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []SearchResult
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func checkSearchStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := fmt.Errorf("search status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(err)
	}
	return err
}

// WebSearchTool exposes a Searcher as an agent tool with transient-error
// retry.
type WebSearchTool struct {
	searcher Searcher
	topK     int
	logger   *log.Logger
}

// NewWebSearchTool wraps searcher. topK bounds results per query.
func NewWebSearchTool(searcher Searcher, topK int) *WebSearchTool {
	if topK <= 0 {
		topK = 5
	}
	return &WebSearchTool{
		searcher: searcher,
		topK:     topK,
		logger:   log.New(os.Stdout, "[SEARCH] ", log.LstdFlags),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return the top results as title, url and snippet."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "How many results to return.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(argString(args, "query"))
	if query == "" {
		return "", fmt.Errorf("web_search: empty query")
	}
	count := argInt(args, "count", t.topK)
	if count > t.topK {
		count = t.topK
	}

	var results []SearchResult
	err := withRetry(ctx, t.logger, "web_search", func() error {
		var derr error
		results, derr = t.searcher.Discover(ctx, query, count)
		return derr
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimSpace(b.String()), nil
}
