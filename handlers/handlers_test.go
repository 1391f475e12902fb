package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/task"
	"github.com/savid/hwpipe/internal/types"
)

type fakeSource struct {
	report  types.Report
	details map[string]pipeline.Detail
}

func (f *fakeSource) Report() types.Report {
	return f.report
}

func (f *fakeSource) Details() map[string]pipeline.Detail {
	return f.details
}

func newSource() *fakeSource {
	return &fakeSource{
		report: types.Report{
			ID:      "job",
			Frames:  120,
			Elapsed: 2 * time.Second,
			Sessions: []types.SessionStats{
				{Name: "decode", Role: "decode", Emitted: 120},
				{Name: "encode", Role: "encode", Emitted: 120},
			},
		},
		details: map[string]pipeline.Detail{
			"encode": {State: "running", Tasks: task.Stats{Capacity: 4, Outstanding: 2}},
		},
	}
}

func TestStatsHandler(t *testing.T) {
	handler := StatsHandler(newSource())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON, got %q", ct)
	}

	var resp StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ID != "job" || resp.Frames != 120 || len(resp.Sessions) != 2 {
		t.Errorf("Unexpected report %+v", resp.Report)
	}
	if resp.FPS != 60 {
		t.Errorf("Expected 60 fps, got %v", resp.FPS)
	}
	if resp.Details != nil {
		t.Errorf("Details must only be sent on request")
	}
}

func TestStatsHandlerDetail(t *testing.T) {
	handler := StatsHandler(newSource())

	req := httptest.NewRequest(http.MethodGet, "/stats?detail=1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	d, ok := resp.Details["encode"]
	if !ok || d.Tasks.Outstanding != 2 || d.State != "running" {
		t.Errorf("Unexpected details %+v", resp.Details)
	}
}

func TestStatsHandlerRejectsPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/stats", nil)
	w := httptest.NewRecorder()
	StatsHandler(newSource()).ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		failed   int
		degraded int
		status   int
		body     string
	}{
		{name: "healthy", status: http.StatusOK, body: "OK"},
		{name: "degraded", degraded: 1, status: http.StatusOK, body: "OK (1 degraded)\n"},
		{name: "failed", failed: 1, status: http.StatusServiceUnavailable, body: "1 of 2 sessions failed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newSource()
			source.report.Failed = tt.failed
			source.report.Degraded = tt.degraded

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			HealthHandler(source).ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if body := w.Body.String(); body != tt.body {
				t.Errorf("Expected %q, got %q", tt.body, body)
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	mux := http.NewServeMux()
	Routes(mux, newSource())
	server := httptest.NewServer(mux)
	defer server.Close()

	for _, path := range []string{"/stats", "/health"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	handler := LoggingMiddleware(logrus.NewEntry(logger))(next)

	req := httptest.NewRequest(http.MethodGet, "/stats?detail=1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("Expected a request id, got %q", id)
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(entries))
	}
	done := entries[1]
	if done.Data["status"] != http.StatusTeapot || done.Data["bytes"] != len("short and stout") || done.Data["request_id"] != id {
		t.Errorf("Unexpected completion entry %v", done.Data)
	}
}

func TestLoggingMiddlewareKeepsClientID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := LoggingMiddleware(logrus.NewEntry(logger))(http.NotFoundHandler())

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(RequestIDHeader, id)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != id {
		t.Errorf("Expected %s, got %s", id, got)
	}
	if !strings.Contains(w.Body.String(), "404") {
		t.Errorf("Expected the wrapped handler's body, got %q", w.Body.String())
	}
}
