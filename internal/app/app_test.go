package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/config"
	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// Minimal provider fakes; the app tests only exercise wiring, not content.
type fakeLLM struct{}

func (fakeLLM) GenerateMetadata(context.Context, provider.MetadataRequest) (provider.MetadataResult, error) {
	return provider.MetadataResult{Title: "t", Artist: "a"}, nil
}
func (fakeLLM) GeneratePersona(context.Context, provider.PersonaRequest) (string, error) {
	return "persona", nil
}
func (fakeLLM) GenerateManagerBrief(context.Context, provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	return provider.ManagerBriefResult{}, nil
}

type fakeImage struct{}

func (fakeImage) GenerateCover(context.Context, provider.CoverRequest) (provider.CoverResult, error) {
	return provider.CoverResult{}, nil
}

type fakeAudio struct{}

func (fakeAudio) SubmitAudio(context.Context, provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	return provider.AudioSubmitResult{TaskID: "task-1"}, nil
}
func (fakeAudio) PollAudio(context.Context, string) (provider.AudioPollResult, error) {
	return provider.AudioPollResult{Status: provider.AudioRunning}, nil
}
func (fakeAudio) BatchPollAudio(_ context.Context, ids []string) (map[string]provider.AudioPollResult, error) {
	out := make(map[string]provider.AudioPollResult, len(ids))
	for _, id := range ids {
		out[id] = provider.AudioPollResult{Status: provider.AudioRunning}
	}
	return out, nil
}

func testProviders() *Providers {
	return &Providers{LLM: fakeLLM{}, Image: fakeImage{}, Audio: fakeAudio{}}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{}
	cfg.Queues.LLMConcurrency = 1
	cfg.Queues.ImageConcurrency = 1
	cfg.Queues.AudioPollInterval = 50 * time.Millisecond

	a, err := New(context.Background(), cfg, testProviders(), WithStore(memstore.New()))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_WiresAllSubsystems(t *testing.T) {
	a := newTestApp(t)
	if a.Store() == nil || a.Supervisor() == nil || a.Rooms() == nil || a.Handler() == nil {
		t.Error("a subsystem was left nil")
	}
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.DataService.Backend = "etched-stone"
	if _, err := New(context.Background(), cfg, testProviders()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d: %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("readyz body: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("readyz status = %v", out["status"])
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
