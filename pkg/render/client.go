// Package render talks to the external markdown-to-image rendering service.
// Theme generation and screenshotting live entirely in that service; this
// client only ships a document over and gets raster bytes back.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Theme selects the poster style applied by the render service.
type Theme string

const (
	ThemeLight     Theme = "light"
	ThemeBlackGold Theme = "black-gold"
)

// Client calls the render service over HTTP.
type Client struct {
	baseURL    string
	theme      Theme
	httpClient *http.Client
}

// NewClient constructs a render service client with a default theme.
func NewClient(baseURL string, theme Theme) *Client {
	if theme == "" {
		theme = ThemeBlackGold
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		theme:      theme,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type renderRequest struct {
	Markdown string `json:"markdown"`
	Theme    string `json:"theme"`
}

// Render converts a markdown document into PNG bytes.
func (c *Client) Render(ctx context.Context, markdown string) ([]byte, error) {
	body, err := json.Marshal(renderRequest{Markdown: markdown, Theme: string(c.theme)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("render service error: %s", msg)
	}

	png, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("render read: %w", err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("render service returned empty image")
	}
	return png, nil
}
