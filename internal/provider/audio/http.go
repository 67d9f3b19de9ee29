// Package audio provides a generic HTTP-backed [provider.Audio]
// implementation for the submit-then-poll audio backend.
package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// Provider implements the ACE-style submit/poll/batch-poll contract over HTTP.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }
func WithTimeout(d time.Duration) Option   { return func(p *Provider) { p.httpClient.Timeout = d } }

const defaultSubmitTimeout = 30 * time.Second

func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("audio: baseURL must not be empty")
	}
	p := &Provider{httpClient: &http.Client{Timeout: defaultSubmitTimeout}, baseURL: baseURL, apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ provider.Audio = (*Provider)(nil)

type submitWireRequest struct {
	Lyrics        string `json:"lyrics"`
	Caption       string `json:"caption"`
	BPM           int    `json:"bpm"`
	KeyScale      string `json:"key_scale"`
	TimeSignature string `json:"time_signature"`
	DurationMs    int64  `json:"duration_hint_ms,omitempty"`
}

type submitWireResponse struct {
	TaskID string `json:"task_id"`
}

// SubmitAudio implements [provider.Audio].
func (p *Provider) SubmitAudio(ctx context.Context, req provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	wire := submitWireRequest{
		Lyrics: req.Lyrics, Caption: req.Caption, BPM: req.BPM,
		KeyScale: req.KeyScale, TimeSignature: req.TimeSignature,
	}
	if req.DurationHint > 0 {
		wire.DurationMs = req.DurationHint.Milliseconds()
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return provider.AudioSubmitResult{}, provider.Fatal("audio", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/audio/submit", bytes.NewReader(buf))
	if err != nil {
		return provider.AudioSubmitResult{}, provider.Fatal("audio", err)
	}
	p.authorize(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.AudioSubmitResult{}, provider.Transient("audio", err, 2*time.Second)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return provider.AudioSubmitResult{}, provider.Transient("audio", fmt.Errorf("status %d", resp.StatusCode), 2*time.Second)
	}
	if resp.StatusCode >= 400 {
		return provider.AudioSubmitResult{}, provider.Fatal("audio", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out submitWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.AudioSubmitResult{}, provider.Fatal("audio", fmt.Errorf("decode response: %w", err))
	}
	return provider.AudioSubmitResult{TaskID: out.TaskID}, nil
}

type pollWireResponse struct {
	Status    string `json:"status"`
	AudioPath string `json:"audio_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r pollWireResponse) toResult() provider.AudioPollResult {
	status := provider.AudioStatus(r.Status)
	switch status {
	case provider.AudioRunning, provider.AudioSucceeded, provider.AudioFailed, provider.AudioNotFound:
	default:
		status = provider.AudioNotFound
	}
	return provider.AudioPollResult{Status: status, AudioPath: r.AudioPath, Error: r.Error}
}

// PollAudio implements [provider.Audio].
func (p *Provider) PollAudio(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/audio/"+taskID, nil)
	if err != nil {
		return provider.AudioPollResult{}, provider.Fatal("audio", err)
	}
	p.authorize(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.AudioPollResult{}, provider.Transient("audio", err, time.Second)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return provider.AudioPollResult{Status: provider.AudioNotFound}, nil
	}
	if resp.StatusCode >= 500 {
		return provider.AudioPollResult{}, provider.Transient("audio", fmt.Errorf("status %d", resp.StatusCode), time.Second)
	}
	var out pollWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.AudioPollResult{}, provider.Fatal("audio", fmt.Errorf("decode response: %w", err))
	}
	return out.toResult(), nil
}

// BatchPollAudio implements [provider.Audio].
func (p *Provider) BatchPollAudio(ctx context.Context, taskIDs []string) (map[string]provider.AudioPollResult, error) {
	if len(taskIDs) == 0 {
		return map[string]provider.AudioPollResult{}, nil
	}
	buf, err := json.Marshal(struct {
		TaskIDs []string `json:"task_ids"`
	}{taskIDs})
	if err != nil {
		return nil, provider.Fatal("audio", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/audio/batch-poll", bytes.NewReader(buf))
	if err != nil {
		return nil, provider.Fatal("audio", err)
	}
	p.authorize(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.Transient("audio", err, time.Second)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, provider.Transient("audio", fmt.Errorf("status %d", resp.StatusCode), time.Second)
	}

	var wire map[string]pollWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, provider.Fatal("audio", fmt.Errorf("decode response: %w", err))
	}
	out := make(map[string]provider.AudioPollResult, len(wire))
	for id, r := range wire {
		out[id] = r.toResult()
	}
	return out, nil
}

func (p *Provider) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
