package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binance-loop-runner/config"
	"binance-loop-runner/internal/auth"
	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/guard"
	"binance-loop-runner/internal/orchestrator"
	"binance-loop-runner/internal/session"
)

func newTestServer(t *testing.T, authCfg config.AuthConfig) (*Server, *binance.FuturesMockClient) {
	t.Helper()

	client := binance.NewFuturesMockClient(10000)
	client.SetPrice("BTCUSDT", 40000)
	client.SetStepSize("BTCUSDT", 0.001)

	g := guard.New(guard.DefaultConfig(), zerolog.Nop())
	g.AttachClient(client)
	bus := events.NewEventBus()
	closer := closeall.New(client, nil, bus, 3, zerolog.Nop())
	marker := session.NewMarker(filepath.Join(t.TempDir(), "session_state.json"), nil)
	orch := orchestrator.New(orchestrator.Config{
		StartStagger: time.Millisecond,
		StopTimeout:  100 * time.Millisecond,
		LoopInterval: 50 * time.Millisecond,
	}, g, client, nil, closer, bus, zerolog.Nop())

	srv := NewServer(config.ServerConfig{AllowedOrigins: "*"}, authCfg, orch, g, closer, marker, client, nil, bus)

	t.Cleanup(func() { orch.Stop(false) })
	return srv, client
}

func doRequest(srv *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusReportsLoops(t *testing.T) {
	srv, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodPost, "/api/loops/start", map[string]interface{}{
		"jobs": []map[string]interface{}{{"symbol": "BTCUSDT", "interval": "5m"}},
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doRequest(srv, http.MethodGet, "/api/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	loops, ok := resp["loops"].([]interface{})
	if !ok || len(loops) != 1 {
		t.Errorf("expected one loop in status, got %v", resp["loops"])
	}
}

func TestStopLoopsWithEmptyRegistry(t *testing.T) {
	srv, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodPost, "/api/loops/stop", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "no jobs to stop" {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestCloseAllEndpoint(t *testing.T) {
	srv, client := newTestServer(t, config.AuthConfig{})
	client.SetPosition("BTCUSDT", "", 1.0, 40000)

	w := doRequest(srv, http.MethodPost, "/api/positions/close-all", map[string]string{"reason": "manual_api"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["closed"] != float64(1) {
		t.Errorf("closed = %v, want 1", resp["closed"])
	}
	if client.OpenOrdersCount() != 0 {
		t.Error("expected no residual open orders")
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	hash, err := auth.HashPassword("operator-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	authCfg := config.AuthConfig{
		Enabled:             true,
		JWTSecret:           "test-secret",
		AccessTokenDuration: time.Minute,
		Username:            "operator",
		PasswordHash:        hash,
	}
	srv, _ := newTestServer(t, authCfg)

	if w := doRequest(srv, http.MethodGet, "/api/status", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}

	w := doRequest(srv, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "operator",
		"password": "wrong",
	}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/api/auth/login", map[string]string{
		"username": "operator",
		"password": "operator-pass",
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}

	var loginResp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &loginResp)
	token, _ := loginResp["access_token"].(string)
	if token == "" {
		t.Fatal("no access token in login response")
	}

	if w := doRequest(srv, http.MethodGet, "/api/status", nil, token); w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", w.Code)
	}
}

func TestHistoryEndpointsWithoutDatabase(t *testing.T) {
	srv, _ := newTestServer(t, config.AuthConfig{})

	w := doRequest(srv, http.MethodGet, "/api/history/trades", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when persistence is disabled", w.Code)
	}
}
