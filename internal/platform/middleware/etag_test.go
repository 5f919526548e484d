package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveETag(t *testing.T, cfg CacheConfig, method, path, ifNoneMatch string, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	rec := httptest.NewRecorder()
	if err := ETag(cfg)(h)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func okJSON(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"total_cases": 42})
}

func TestETag_SetsHeaders(t *testing.T) {
	rec := serveETag(t, DefaultCacheConfig(), http.MethodGet, "/api/v1/surveillance/summary", "", okJSON)

	etag := rec.Header().Get("ETag")
	if len(etag) < 4 || etag[:3] != `W/"` || etag[len(etag)-1] != '"' {
		t.Errorf("expected weak ETag, got %q", etag)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=300" {
		t.Errorf("unexpected Cache-Control %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Accept" {
		t.Errorf("unexpected Vary %q", got)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Errorf("expected 200 with body, got %d (%d bytes)", rec.Code, rec.Body.Len())
	}
}

func TestETag_NotModifiedOnMatch(t *testing.T) {
	first := serveETag(t, DefaultCacheConfig(), http.MethodGet, "/api/v1/surveillance/summary", "", okJSON)
	etag := first.Header().Get("ETag")

	second := serveETag(t, DefaultCacheConfig(), http.MethodGet, "/api/v1/surveillance/summary", etag, okJSON)
	if second.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", second.Code)
	}
	if second.Body.Len() != 0 {
		t.Errorf("expected empty body on 304, got %q", second.Body.String())
	}
}

func TestETag_ErrorsPassThrough(t *testing.T) {
	rec := serveETag(t, DefaultCacheConfig(), http.MethodGet, "/api/v1/sitrep", "", func(c echo.Context) error {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "bad"})
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on error response")
	}
}

func TestETag_ExcludedPath(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.ExcludePaths = []string{"/api/v1/sitrep/archive"}
	rec := serveETag(t, cfg, http.MethodGet, "/api/v1/sitrep/archive", "", okJSON)
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on excluded path")
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
}

func TestETag_SkipsPost(t *testing.T) {
	rec := serveETag(t, DefaultCacheConfig(), http.MethodPost, "/api/v1/sitrep/publish", "", okJSON)
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on POST")
	}
}

func TestETagMatch(t *testing.T) {
	tests := []struct {
		header, etag string
		want         bool
	}{
		{`W/"abc"`, `W/"abc"`, true},
		{`"abc"`, `W/"abc"`, true},
		{`"x", W/"abc"`, `W/"abc"`, true},
		{`*`, `W/"abc"`, true},
		{`W/"abd"`, `W/"abc"`, false},
	}
	for _, tt := range tests {
		if got := etagMatch(tt.header, tt.etag); got != tt.want {
			t.Errorf("etagMatch(%q, %q) = %v, want %v", tt.header, tt.etag, got, tt.want)
		}
	}
}
