package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/llmule/broker/internal/app"
	"github.com/llmule/broker/internal/config"
)

// TestDevMode_FullStack builds the application once in dev mode and drives
// the composed HTTP surface end to end. A single construction per test
// binary: the telemetry provider registers with the global Prometheus
// registry.
func TestDevMode_FullStack(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":0"
database:
  dev_mode: true
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	t.Run("health probes", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/readyz"} {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
			}
		}
	})

	t.Run("models catalog empty", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/models")
		if err != nil {
			t.Fatalf("GET /v1/models: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var list struct {
			Object string `json:"object"`
			Data   []any  `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if list.Object != "list" || len(list.Data) != 0 {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("dev mode accepts any key", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/balance", nil)
		req.Header.Set("Authorization", "Bearer anything-goes")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /v1/balance: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var got struct {
			Account string `json:"account"`
			Balance string `json:"balance"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !strings.HasPrefix(got.Account, "dev-") {
			t.Errorf("account = %q, want dev- prefix", got.Account)
		}
		if got.Balance != "1.000000" {
			t.Errorf("balance = %q, want welcome grant", got.Balance)
		}
	})

	t.Run("completions without providers", func(t *testing.T) {
		body := strings.NewReader(`{"model":"medium","messages":[{"role":"user","content":"hi"}]}`)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", body)
		req.Header.Set("Authorization", "Bearer anything-goes")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST completions: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		var eb struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if eb.Error.Code != "model_not_available" {
			t.Errorf("code = %q, want model_not_available", eb.Error.Code)
		}
	})

	t.Run("metrics exposed", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}
