// Package image provides a generic HTTP-backed [provider.Image] implementation
// for cover generation.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// Provider POSTs a prompt and reads back raw image bytes.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }
func WithTimeout(d time.Duration) Option   { return func(p *Provider) { p.httpClient.Timeout = d } }

const defaultTimeout = 30 * time.Second

func New(baseURL, apiKey, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("image: baseURL must not be empty")
	}
	p := &Provider{httpClient: &http.Client{Timeout: defaultTimeout}, baseURL: baseURL, apiKey: apiKey, model: model}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ provider.Image = (*Provider)(nil)

type coverWireRequest struct {
	Model   string `json:"model"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Mood    string `json:"mood"`
	Caption string `json:"caption"`
}

// GenerateCover implements [provider.Image].
func (p *Provider) GenerateCover(ctx context.Context, req provider.CoverRequest) (provider.CoverResult, error) {
	buf, err := json.Marshal(coverWireRequest{Model: p.model, Title: req.Title, Artist: req.Artist, Mood: req.Mood, Caption: req.Caption})
	if err != nil {
		return provider.CoverResult{}, provider.Fatal("image", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/images", bytes.NewReader(buf))
	if err != nil {
		return provider.CoverResult{}, provider.Fatal("image", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.CoverResult{}, provider.Transient("image", err, 2*time.Second)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return provider.CoverResult{}, provider.Transient("image", fmt.Errorf("status %d", resp.StatusCode), 2*time.Second)
	}
	if resp.StatusCode >= 400 {
		return provider.CoverResult{}, provider.Fatal("image", fmt.Errorf("status %d", resp.StatusCode))
	}

	format := strings.TrimPrefix(resp.Header.Get("Content-Type"), "image/")
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.CoverResult{}, provider.Fatal("image", fmt.Errorf("read body: %w", err))
	}
	return provider.CoverResult{Bytes: data, Format: format}, nil
}
