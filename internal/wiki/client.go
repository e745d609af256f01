// Package wiki fetches article summaries from the Wikipedia REST API. The
// post generator uses them as raw material.
package wiki

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

const baseURL = "https://en.wikipedia.org/api/rest_v1"

// Summary is the subset of the page summary payload the generator needs.
type Summary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	Thumbnail struct {
		Source string `json:"source"`
	} `json:"thumbnail"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

// URL is the canonical desktop page URL, empty when the API omitted it.
func (s Summary) URL() string {
	return s.ContentURLs.Desktop.Page
}

type Client struct {
	client *resty.Client
}

func NewClient() *Client {
	client := resty.NewWithTransportSettings(&resty.TransportSettings{
		DialerTimeout:         5 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	})
	client.SetBaseURL(baseURL)
	client.SetHeader("User-Agent", "wikifeedia/1.0")

	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) r(ctx context.Context) *resty.Request {
	return c.client.R().WithContext(ctx)
}

// RandomSummary fetches the summary of a uniformly random article.
func (c *Client) RandomSummary(ctx context.Context) (Summary, error) {
	var summary Summary
	resp, err := c.r(ctx).
		SetResult(&summary).
		Get("/page/random/summary")
	if err != nil {
		return Summary{}, fmt.Errorf("fetch random summary: %w", err)
	}
	if resp.IsError() {
		return Summary{}, fmt.Errorf("fetch random summary: status %d", resp.StatusCode())
	}
	return summary, nil
}

// PageSummary fetches the summary for a named article title.
func (c *Client) PageSummary(ctx context.Context, title string) (Summary, error) {
	var summary Summary
	resp, err := c.r(ctx).
		SetResult(&summary).
		SetPathParam("title", title).
		Get("/page/summary/{title}")
	if err != nil {
		return Summary{}, fmt.Errorf("fetch summary for %q: %w", title, err)
	}
	if resp.IsError() {
		return Summary{}, fmt.Errorf("fetch summary for %q: status %d", title, resp.StatusCode())
	}
	return summary, nil
}
