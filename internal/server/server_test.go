package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agleyzer/hlsplay/internal/engine"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestNew(t *testing.T) {
	logger := createTestLogger()
	srv := New(":8080", logger, nil)

	if srv.Addr() != ":8080" {
		t.Errorf("Expected addr :8080 before start, got %s", srv.Addr())
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
}

func TestHandleHealth(t *testing.T) {
	srv := New(":0", createTestLogger(), func() any {
		return map[string]int{"window_size": 6}
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}
	stats, ok := health["stats"].(map[string]any)
	if !ok {
		t.Fatal("Stats is not a map")
	}
	if stats["window_size"] != float64(6) {
		t.Errorf("Expected window_size 6, got %v", stats["window_size"])
	}
}

func TestHandleHealth_WithoutStats(t *testing.T) {
	srv := New(":0", createTestLogger(), nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	var health map[string]any
	json.NewDecoder(w.Body).Decode(&health)
	if _, ok := health["stats"]; ok {
		t.Error("Health response should not carry stats")
	}
}

func TestStatusEndpoints(t *testing.T) {
	srv := New(":0", createTestLogger(), nil)
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "hlsplay_test_total",
		Help: "test counter",
	}).Add(3)
	srv.MountStatus(func() engine.Stats {
		return engine.Stats{SessionID: "abc", State: "IDLE", Position: 4.5, LoadLevel: 1}
	}, reg)

	tests := []struct {
		path        string
		contentType string
		contains    []string
	}{
		{"/stats", "application/json", []string{`"session_id":"abc"`, `"state":"IDLE"`, `"position":4.5`, `"load_level":1`}},
		{"/metrics", "text/plain", []string{"hlsplay_test_total 3"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, tt.contentType) {
				t.Errorf("Expected Content-Type %s, got %s", tt.contentType, ct)
			}
			body := w.Body.String()
			for _, s := range tt.contains {
				if !strings.Contains(body, s) {
					t.Errorf("Response body missing %q:\n%s", s, body)
				}
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := New(":0", createTestLogger(), nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(":0", createTestLogger(), nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})
	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	srv := New("127.0.0.1:0", createTestLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not start within timeout")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("Unexpected health body: %s", body)
	}

	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestServer_ListenError(t *testing.T) {
	srv := New("256.0.0.1:0", createTestLogger(), nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Error("Expected a listen error")
	}
}
