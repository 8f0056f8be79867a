package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount   = 5
	maxSearchCount       = 10
	searchTimeout        = 30 * time.Second
	braveSearchEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	braveNewsEndpoint    = "https://api.search.brave.com/res/v1/news/search"
	searchUserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

// newsSearcher is implemented by providers with a dedicated news index.
type newsSearcher interface {
	SearchNews(ctx context.Context, params searchParams) ([]searchResult, error)
}

type searchParams struct {
	Query     string
	Count     int
	Freshness string
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

// normalizeFreshness accepts the shortcut forms pd/pw/pm/py and the
// range form YYYY-MM-DDtoYYYY-MM-DD; anything else is dropped.
func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchConfig selects and keys the search backends.
type WebSearchConfig struct {
	BraveAPIKey  string
	BraveEnabled bool
	DDGEnabled   bool
	CacheTTL     time.Duration
}

func buildSearchProviders(cfg WebSearchConfig) []SearchProvider {
	var providers []SearchProvider
	// Priority: Brave first, DuckDuckGo as the keyless fallback.
	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		providers = append(providers, newBraveSearchProvider(cfg.BraveAPIKey))
	}
	if cfg.DDGEnabled {
		providers = append(providers, newDuckDuckGoSearchProvider())
	}
	return providers
}

// WebSearchTool queries the configured providers in priority order.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	providers := buildSearchProviders(cfg)
	if len(providers) == 0 {
		return nil
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *WebSearchTool) Name() string { return "webSearch" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return searchToolParameters()
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return runSearch(ctx, t.providers, t.cache, "web", args,
		func(p SearchProvider, params searchParams) ([]searchResult, error) {
			return p.Search(ctx, params)
		})
}

// NewsSearchTool is webSearch against the news index. Providers without
// a news index are skipped.
type NewsSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

func NewNewsSearchTool(cfg WebSearchConfig) *NewsSearchTool {
	var providers []SearchProvider
	for _, p := range buildSearchProviders(cfg) {
		if _, ok := p.(newsSearcher); ok {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		return nil
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &NewsSearchTool{
		providers: providers,
		cache:     newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *NewsSearchTool) Name() string { return "newsSearch" }

func (t *NewsSearchTool) Description() string {
	return "Search recent news articles. Returns titles, URLs, and snippets."
}

func (t *NewsSearchTool) Parameters() map[string]interface{} {
	return searchToolParameters()
}

func (t *NewsSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return runSearch(ctx, t.providers, t.cache, "news", args,
		func(p SearchProvider, params searchParams) ([]searchResult, error) {
			return p.(newsSearcher).SearchNews(ctx, params)
		})
}

func searchToolParameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10)",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Filter by discovery time: 'pd' (past day), 'pw' (past week), 'pm' (past month), 'py' (past year), or 'YYYY-MM-DDtoYYYY-MM-DD'",
			},
		},
		"required": []string{"query"},
	}
}

func runSearch(ctx context.Context, providers []SearchProvider, cache *webCache, kind string, args map[string]interface{}, search func(SearchProvider, searchParams) ([]searchResult, error)) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}
	raw, _ := args["freshness"].(string)
	freshness := normalizeFreshness(raw)

	params := searchParams{Query: query, Count: count, Freshness: freshness}
	cacheKey := fmt.Sprintf("%s:%s:%d:%s", kind, query, count, freshness)
	if cached, ok := cache.get(cacheKey); ok {
		slog.Debug("search cache hit", "kind", kind, "query", query)
		return DataResult(cached.(map[string]interface{}))
	}

	var lastErr error
	for _, provider := range providers {
		results, err := search(provider, params)
		if err != nil {
			slog.Warn("search provider failed", "kind", kind, "provider", provider.Name(), "error", err)
			lastErr = err
			continue
		}
		data := map[string]interface{}{
			"query":   query,
			"results": resultList(results),
		}
		cache.set(cacheKey, data)
		return DataResult(data)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

// resultList renders results as generic maps so log summarization and
// JSON encoding see one shape.
func resultList(results []searchResult) []interface{} {
	out := make([]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"title":       r.Title,
			"url":         r.URL,
			"description": r.Description,
		})
	}
	return out
}
