package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nppfnppf20/markup/config"
	"github.com/nppfnppf20/markup/stores/memory"
)

func TestSetupRouter(t *testing.T) {
	cfg := &config.Config{CORSOrigins: []string{"https://*"}, LockTTL: time.Minute}
	store := memory.NewStore()
	r := setupRouter(cfg, store, store)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/documents/doc1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing document: got %d, want %d", rec.Code, http.StatusNotFound)
	}

	body := `{"userId":"A","name":"Alice"}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v2/locks/doc1/acquire", strings.NewReader(body)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("acquire: got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v2/locks/doc1", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("CORS preflight not answered: %v", rec.Header())
	}
}
