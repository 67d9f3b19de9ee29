// Package llm provides a generic HTTP-backed [provider.LLM] implementation.
//
// Infinitune treats the LLM as an external HTTP collaborator —
// prompt bodies are explicitly out of scope — so this package only
// carries the request/response envelope and JSON-schema plumbing, not prompt
// text. The client is a functional-option constructor wrapping a plain
// net/http client.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// Provider is a JSON-over-HTTP LLM backend: POST a chat-style request, parse
// a JSON-schema-constrained response.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the default client (mainly for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTimeout sets a request timeout; a full LLM turn can run minutes
// default when left unset.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

const defaultTimeout = 6 * time.Minute

// New constructs an HTTP-backed LLM provider.
func New(baseURL, apiKey, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm: baseURL must not be empty")
	}
	p := &Provider{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ provider.LLM = (*Provider)(nil)

type metadataWireRequest struct {
	Model         string   `json:"model"`
	PlaylistBrief string   `json:"playlist_brief,omitempty"`
	Interrupt     string   `json:"interrupt_prompt,omitempty"`
	RecentTitles  []string `json:"recent_titles,omitempty"`
}

type metadataWireResponse struct {
	Title         string  `json:"title"`
	Artist        string  `json:"artist"`
	Lyrics        string  `json:"lyrics"`
	Caption       string  `json:"caption"`
	BPM           int     `json:"bpm"`
	KeyScale      string  `json:"key_scale"`
	TimeSignature string  `json:"time_signature"`
	Mood          string  `json:"mood"`
	Energy        float64 `json:"energy"`
}

// GenerateMetadata implements [provider.LLM].
func (p *Provider) GenerateMetadata(ctx context.Context, req provider.MetadataRequest) (provider.MetadataResult, error) {
	wire := metadataWireRequest{
		Model:         p.model,
		PlaylistBrief: firstNonEmpty(req.ManagerBrief, req.PlaylistPrompt),
		Interrupt:     req.InterruptPrompt,
		RecentTitles:  req.RecentTitles,
	}
	var resp metadataWireResponse
	if err := p.post(ctx, "/v1/metadata", wire, &resp); err != nil {
		return provider.MetadataResult{}, err
	}
	return provider.MetadataResult{
		Title: resp.Title, Artist: resp.Artist, Lyrics: resp.Lyrics,
		Caption: resp.Caption, BPM: resp.BPM, KeyScale: resp.KeyScale,
		TimeSignature: resp.TimeSignature, Mood: resp.Mood, Energy: resp.Energy,
	}, nil
}

type personaWireRequest struct {
	Model   string `json:"model"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Lyrics  string `json:"lyrics"`
	Caption string `json:"caption"`
}

type personaWireResponse struct {
	Persona string `json:"persona"`
}

// GeneratePersona implements [provider.LLM].
func (p *Provider) GeneratePersona(ctx context.Context, req provider.PersonaRequest) (string, error) {
	wire := personaWireRequest{Model: p.model, Title: req.Title, Artist: req.Artist, Lyrics: req.Lyrics, Caption: req.Caption}
	var resp personaWireResponse
	if err := p.post(ctx, "/v1/persona", wire, &resp); err != nil {
		return "", err
	}
	return resp.Persona, nil
}

type managerBriefWireRequest struct {
	Model         string   `json:"model"`
	PlaylistBrief string   `json:"playlist_brief,omitempty"`
	PreviousBrief string   `json:"previous_brief,omitempty"`
	RecentTitles  []string `json:"recent_titles,omitempty"`
	WindowStart   int      `json:"window_start"`
}

type managerBriefWireSlot struct {
	StartOrderIndex int     `json:"start_order_index"`
	WindowSize      int     `json:"window_size"`
	TransitionHint  string  `json:"transition_hint,omitempty"`
	Topic           string  `json:"topic,omitempty"`
	LyricalTheme    string  `json:"lyrical_theme,omitempty"`
	EnergyTarget    float64 `json:"energy_target"`
}

type managerBriefWireResponse struct {
	Brief string                 `json:"brief"`
	Slots []managerBriefWireSlot `json:"slots"`
}

// GenerateManagerBrief implements [provider.LLM].
func (p *Provider) GenerateManagerBrief(ctx context.Context, req provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	wire := managerBriefWireRequest{
		Model:         p.model,
		PlaylistBrief: req.PlaylistPrompt,
		PreviousBrief: req.PreviousBrief,
		RecentTitles:  req.RecentTitles,
		WindowStart:   req.WindowStart,
	}
	var resp managerBriefWireResponse
	if err := p.post(ctx, "/v1/manager-brief", wire, &resp); err != nil {
		return provider.ManagerBriefResult{}, err
	}
	slots := make([]provider.ManagerSlot, len(resp.Slots))
	for i, s := range resp.Slots {
		slots[i] = provider.ManagerSlot{
			StartOrderIndex: s.StartOrderIndex,
			WindowSize:      s.WindowSize,
			TransitionHint:  s.TransitionHint,
			Topic:           s.Topic,
			LyricalTheme:    s.LyricalTheme,
			EnergyTarget:    s.EnergyTarget,
		}
	}
	return provider.ManagerBriefResult{Brief: resp.Brief, Slots: slots}, nil
}

func (p *Provider) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return provider.Fatal("llm", fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return provider.Fatal("llm", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.Transient("llm", err, 2*time.Second)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return provider.Transient("llm", fmt.Errorf("status %d", resp.StatusCode), 2*time.Second)
	}
	if resp.StatusCode >= 400 {
		return provider.Fatal("llm", fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Fatal("llm", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
