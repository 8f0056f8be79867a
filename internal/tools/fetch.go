package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxBytes = 50000
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var defaultFetchMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// FetchConfig restricts what the fetch tool may reach. An empty
// AllowedPrefixes list leaves URL targets unrestricted; the SSRF guard
// still applies either way.
type FetchConfig struct {
	AllowedPrefixes []string
	AllowedMethods  []string
	MaxBodyBytes    int
}

// FetchTool performs HTTP requests against the configured allow-list
// and returns the raw response.
type FetchTool struct {
	prefixes  []string
	methods   map[string]bool
	maxBytes  int
	client    *http.Client
	ssrfGuard func(ctx context.Context, rawURL string) error
}

func NewFetchTool(cfg FetchConfig) *FetchTool {
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = defaultFetchMethods
	}
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}

	t := &FetchTool{
		prefixes:  cfg.AllowedPrefixes,
		methods:   allowed,
		maxBytes:  maxBytes,
		ssrfGuard: checkSSRF,
	}
	t.client = &http.Client{
		Timeout: fetchTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			target := req.URL.String()
			if !t.urlAllowed(target) {
				return fmt.Errorf("redirect target not in allow-list: %s", target)
			}
			if err := t.ssrfGuard(req.Context(), target); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	return t
}

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL and return status, headers, and body. Targets are restricted to the configured allow-list."
}

func (t *FetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"method": map[string]interface{}{
				"type":        "string",
				"description": "HTTP method. Default GET; only allow-listed methods are accepted.",
			},
			"headers": map[string]interface{}{
				"type":        "object",
				"description": "Optional request headers",
			},
		},
		"required": []string{"url"},
	}
}

func (t *FetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return fetchError("url is required", "invalid_url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fetchError(fmt.Sprintf("invalid URL: %v", err), "invalid_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fetchError("only http and https URLs are supported", "invalid_url")
	}
	if parsed.Host == "" {
		return fetchError("missing hostname in URL", "invalid_url")
	}

	method := http.MethodGet
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !t.methods[method] {
		return fetchError(fmt.Sprintf("method %s not allowed", method), "method_not_allowed")
	}
	if !t.urlAllowed(rawURL) {
		return fetchError(fmt.Sprintf("URL not in allow-list: %s", rawURL), "disallowed_url")
	}
	if err := t.ssrfGuard(ctx, rawURL); err != nil {
		return fetchError(fmt.Sprintf("SSRF protection: %v", err), "ssrf_blocked")
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return fetchError(fmt.Sprintf("create request: %v", err), "request_failed")
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if hdrs, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fetchError(fmt.Sprintf("fetch failed: %v", err), "request_failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)))
	if err != nil {
		return fetchError(fmt.Sprintf("read body: %v", err), "request_failed")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return DataResult(map[string]interface{}{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    headers,
		"body":       string(body),
	})
}

func (t *FetchTool) urlAllowed(rawURL string) bool {
	if len(t.prefixes) == 0 {
		return true
	}
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

func fetchError(message, code string) *Result {
	return ErrorDataResult(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
