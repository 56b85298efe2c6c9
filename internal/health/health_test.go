package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveHealth(t *testing.T, h *Handler) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	return w, resp
}

func TestHandlerAllHealthy(t *testing.T) {
	h := NewHandler("v1.0.0")
	h.RegisterChecker("storage", NewSimpleChecker("storage", func() error { return nil }))
	h.RegisterChecker("broker", NewSimpleChecker("broker", func() error { return nil }))

	w, resp := serveHealth(t, h)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
	if resp.Version != "v1.0.0" {
		t.Fatalf("expected version v1.0.0, got %s", resp.Version)
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
	}
}

func TestHandlerUnhealthyDependency(t *testing.T) {
	h := NewHandler("v1.0.0")
	h.RegisterChecker("storage", NewSimpleChecker("storage", func() error { return nil }))
	h.RegisterChecker("redis", NewSimpleChecker("redis", func() error {
		return errors.New("connection refused")
	}))

	w, resp := serveHealth(t, h)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if resp.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", resp.Status)
	}
	if resp.Checks["redis"].Message != "connection refused" {
		t.Fatalf("expected failure message on redis check, got %q", resp.Checks["redis"].Message)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected liveness response: %d %q", w.Code, w.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler("v1.0.0")
	h.RegisterChecker("storage", NewSimpleChecker("storage", func() error { return nil }))

	w := httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Fatalf("unexpected readiness response: %d %q", w.Code, w.Body.String())
	}

	h.RegisterChecker("broker", NewSimpleChecker("broker", func() error {
		return errors.New("broker down")
	}))

	w = httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "not ready" {
		t.Fatalf("unexpected not-ready response: %d %q", w.Code, w.Body.String())
	}
}

func TestSimpleChecker(t *testing.T) {
	checker := NewSimpleChecker("slow", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	check := checker.Check()
	if check.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", check.Status)
	}
	if check.DurationMs < 10 {
		t.Fatalf("expected duration >= 10ms, got %dms", check.DurationMs)
	}

	failing := NewSimpleChecker("failing", func() error { return errors.New("boom") })
	check = failing.Check()
	if check.Status != StatusUnhealthy || check.Message != "boom" {
		t.Fatalf("unexpected failing check: %+v", check)
	}
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("postgres", time.Second, func(ctx context.Context) error {
		return nil
	})
	if check := ok.Check(); check.Status != StatusHealthy {
		t.Fatalf("expected healthy ping, got %+v", check)
	}

	hanging := NewPingChecker("redis", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	check := hanging.Check()
	if check.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy ping on timeout, got %+v", check)
	}
	if check.Message == "" {
		t.Fatal("expected timeout message on unhealthy ping")
	}
}
