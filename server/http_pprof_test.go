package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServePprof(t *testing.T) {
	mux := http.NewServeMux()
	servePprof(mux, "debug/pprof")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Errorf("goroutine profile: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown profile: expected 404, got %d", rec.Code)
	}
}

func TestServePprofDisabled(t *testing.T) {
	mux := http.NewServeMux()
	servePprof(mux, "-")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
}
