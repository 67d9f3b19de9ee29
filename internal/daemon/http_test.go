package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/beastyrabbit/infinitune-sub001/internal/data/memstore"
	"github.com/beastyrabbit/infinitune-sub001/pkg/audio/mock"
)

// newHTTPFixture serves the status surface over httptest without binding a
// real port.
func newHTTPFixture(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	d, err := New(Config{
		Engine:     mock.New(),
		Store:      memstore.New(),
		SocketPath: filepath.Join(t.TempDir(), "ctl.sock"),
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	s := newStatusServer(d, "unused:0")
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return d, srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHTTP_StatusReflectsRuntimeState(t *testing.T) {
	d, srv := newHTTPFixture(t)

	resp, body := get(t, srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Mode != d.Session().Mode {
		t.Errorf("mode = %q, want %q", st.Mode, d.Session().Mode)
	}
}

func TestHTTP_HealthAlwaysOK(t *testing.T) {
	_, srv := newHTTPFixture(t)
	resp, _ := get(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestHTTP_UnknownPathIs404JSON(t *testing.T) {
	_, srv := newHTTPFixture(t)
	resp, body := get(t, srv.URL+"/secrets")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("code = %d, want 404", resp.StatusCode)
	}
	var e map[string]string
	if err := json.Unmarshal(body, &e); err != nil || e["error"] == "" {
		t.Errorf("404 body not the expected JSON error: %s", body)
	}
}

func TestHTTP_NonGETIs405(t *testing.T) {
	_, srv := newHTTPFixture(t)
	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", resp.StatusCode)
	}
}

func TestHTTP_WaybarShape(t *testing.T) {
	_, srv := newHTTPFixture(t)
	_, body := get(t, srv.URL+"/waybar")
	var w map[string]any
	if err := json.Unmarshal(body, &w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"text", "class", "tooltip"} {
		if _, ok := w[key]; !ok {
			t.Errorf("waybar payload missing %q: %s", key, body)
		}
	}
}
