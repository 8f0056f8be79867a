package tools

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nextlevelbuilder/taskloom/internal/docstore"
)

const (
	browseTimeout        = 30 * time.Second
	screenshotThumbWidth = 800
)

// BrowseTool loads a page in a headless browser and reports its title.
// Optionally captures a screenshot, stored as a resized thumbnail in
// the document store. Heavier than fetch but sees rendered content.
type BrowseTool struct {
	docs     *docstore.Store
	timeout  time.Duration
	headless bool
}

func NewBrowseTool(docs *docstore.Store, headless bool) *BrowseTool {
	return &BrowseTool{docs: docs, timeout: browseTimeout, headless: headless}
}

func (t *BrowseTool) Name() string { return "browseUrl" }

func (t *BrowseTool) Description() string {
	return "Open a URL in a headless browser and return the page title. Optionally capture a screenshot into the document store."
}

func (t *BrowseTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to open",
			},
			"screenshot": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture a screenshot and store it under screenshots/",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowseTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(ctx, rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}
	wantShot, _ := args["screenshot"].(bool)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	controlURL, err := launcher.New().Headless(t.headless).Launch()
	if err != nil {
		return ErrorResult(fmt.Sprintf("launch browser: %v", err))
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return ErrorResult(fmt.Sprintf("connect browser: %v", err))
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open page: %v", err))
	}
	if err := page.Navigate(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("navigate: %v", err))
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("load: %v", err))
	}

	info, err := page.Info()
	if err != nil {
		return ErrorResult(fmt.Sprintf("page info: %v", err))
	}

	data := map[string]interface{}{
		"url":   info.URL,
		"title": info.Title,
	}

	if wantShot {
		path, err := t.captureThumbnail(page, parsed.Hostname())
		if err != nil {
			return ErrorResult(fmt.Sprintf("screenshot: %v", err))
		}
		data["screenshot"] = path
	}
	return DataResult(data)
}

// captureThumbnail grabs a viewport screenshot, shrinks it, and writes
// it into the document store so clients can fetch it over the file
// surface.
func (t *BrowseTool) captureThumbnail(page *rod.Page, host string) (string, error) {
	raw, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", err
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	thumb := imaging.Resize(img, screenshotThumbWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	path := fmt.Sprintf("screenshots/%s-%d.png", host, time.Now().UnixMilli())
	if _, err := t.docs.Write(path, buf.String()); err != nil {
		return "", err
	}
	return path, nil
}
