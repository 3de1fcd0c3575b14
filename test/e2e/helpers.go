package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/internal/config"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/pkg/tether"
)

const testAPIKey = "e2e-test-api-key"

// remoteAuthority fakes the server side: tasks that can be completed and a
// per-kind snapshot endpoint.
type remoteAuthority struct {
	mu       sync.Mutex
	tasks    map[string]tether.Entity
	keys     map[string]int
	failures int
	reject   bool
	healthy  bool
}

func newRemoteAuthority(t *testing.T) (*remoteAuthority, *httptest.Server) {
	t.Helper()
	ra := &remoteAuthority{
		tasks:   map[string]tether.Entity{},
		keys:    map[string]int{},
		healthy: true,
	}

	r := chi.NewRouter()
	r.Get("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		if !ra.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/v1/tasks/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		if ra.failures > 0 {
			ra.failures--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if ra.reject {
			http.Error(w, "task is locked", http.StatusUnprocessableEntity)
			return
		}
		ra.keys[r.Header.Get("Idempotency-Key")]++
		id := chi.URLParam(r, "id")
		task := ra.tasks[id]
		task.ID, task.Kind = id, "task"
		if task.Fields == nil {
			task.Fields = map[string]json.RawMessage{}
		}
		task.Fields["done"] = json.RawMessage(`true`)
		task.ServerUpdatedAt = time.Now().UTC()
		ra.tasks[id] = task
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/v1/entities/{kind}", func(w http.ResponseWriter, r *http.Request) {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		snap := tethersync.Snapshot{Kind: chi.URLParam(r, "kind"), GeneratedAt: time.Now().UTC()}
		for _, e := range ra.tasks {
			if e.Kind == snap.Kind {
				snap.Entities = append(snap.Entities, e)
			}
		}
		json.NewEncoder(w).Encode(snap)
	})
	r.Get("/api/v1/entities/{kind}/{id}", func(w http.ResponseWriter, r *http.Request) {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		e, ok := ra.tasks[chi.URLParam(r, "id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(e)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return ra, srv
}

func (ra *remoteAuthority) put(e tether.Entity) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.tasks[e.ID] = e
}

func (ra *remoteAuthority) failNext(n int) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.failures = n
}

func (ra *remoteAuthority) rejectAll(v bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.reject = v
}

func (ra *remoteAuthority) setHealthy(v bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.healthy = v
}

// completions counts accepted completions per idempotency key.
func (ra *remoteAuthority) completions() map[string]int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	out := make(map[string]int, len(ra.keys))
	for k, v := range ra.keys {
		out[k] = v
	}
	return out
}

// daemon is an in-process engine behind the control API.
type daemon struct {
	engine *tether.Engine
	server *httptest.Server
	dbPath string
}

func testConfig(t *testing.T, remoteURL string) *tether.Config {
	t.Helper()
	cfg := tether.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "tether.db")
	cfg.Remote.BaseURL = remoteURL
	cfg.Network.Probe = "none"
	cfg.Sync.MaxRetries = 3
	cfg.Sync.BaseBackoff = config.Duration(10 * time.Millisecond)
	cfg.Sync.BackoffCeiling = config.Duration(50 * time.Millisecond)
	cfg.Sync.ErrorRetryDelay = config.Duration(50 * time.Millisecond)
	cfg.Policies = map[string]tether.PolicyConfig{"task": {Strategy: "last_write_wins"}}
	return cfg
}

func startDaemon(t *testing.T, cfg *tether.Config) *daemon {
	t.Helper()
	engine, err := tether.Open(cfg, tether.Deps{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start engine: %v", err)
	}

	handler := api.NewHandler(engine, testAPIKey, "e2e")
	srv := httptest.NewServer(api.NewRouter(handler))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		engine.Close()
	})
	return &daemon{engine: engine, server: srv, dbPath: cfg.Database.Path}
}

// do sends an authenticated request to the control API and decodes a JSON
// response into out when out is non-nil.
func (d *daemon) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return doRequest(t, d.server.URL, method, path, body, out)
}

func doRequest(t *testing.T, baseURL, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func completeTaskRequest(id string) api.EnqueueRequest {
	return api.EnqueueRequest{
		Kind:     tether.KindCompleteTask,
		Method:   http.MethodPost,
		Endpoint: "/api/v1/tasks/" + id + "/complete",
		Payload:  json.RawMessage(`{"done":true}`),
		Entity: &tether.Entity{
			ID:     id,
			Kind:   "task",
			Fields: map[string]json.RawMessage{"done": json.RawMessage(`true`)},
		},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
