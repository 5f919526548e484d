package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// CacheConfig
// ---------------------------------------------------------------------------

// CacheConfig controls the browser caching headers on report responses.
// Aggregates are cached server side for the same MaxAge, so a revalidation
// within that window is answered with 304.
type CacheConfig struct {
	MaxAge       int      // seconds
	VaryHeaders  []string // default: Accept
	ExcludePaths []string // path prefixes that get Cache-Control: no-store
}

// DefaultCacheConfig matches the 5 minute aggregate cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxAge:      300,
		VaryHeaders: []string{"Accept"},
	}
}

// ---------------------------------------------------------------------------
// Buffered response writer
// ---------------------------------------------------------------------------

type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        bytes.Buffer
	statusCode int
}

func (w *bufferedResponseWriter) Header() http.Header { return w.writer.Header() }

func (w *bufferedResponseWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func (w *bufferedResponseWriter) WriteHeader(code int) { w.statusCode = code }

func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() == 0 {
		return nil
	}
	_, err := w.writer.Write(w.buf.Bytes())
	return err
}

// ---------------------------------------------------------------------------
// ETag
// ---------------------------------------------------------------------------

// ETag buffers successful GET responses, tags them with a weak validator and
// answers a matching If-None-Match with 304. Degraded reports are still
// tagged; they are never cached server side, so the next request recomputes
// and the tag changes once the warehouse recovers.
func ETag(config CacheConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}
			res := c.Response()
			if hasPrefix(req.URL.Path, config.ExcludePaths) {
				res.Header().Set("Cache-Control", "no-store")
				return next(c)
			}

			orig := res.Writer
			buf := &bufferedResponseWriter{writer: orig, statusCode: http.StatusOK}
			res.Writer = buf
			err := next(c)
			res.Writer = orig
			if err != nil {
				return err
			}

			if buf.statusCode >= 400 {
				return buf.flushTo()
			}

			res.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", config.MaxAge))
			if len(config.VaryHeaders) > 0 {
				res.Header().Set("Vary", strings.Join(config.VaryHeaders, ", "))
			}

			etag := computeETag(buf.buf.Bytes())
			res.Header().Set("ETag", etag)
			if inm := req.Header.Get("If-None-Match"); inm != "" && etagMatch(inm, etag) {
				res.Header().Del("Content-Type")
				res.Header().Del("Content-Length")
				orig.WriteHeader(http.StatusNotModified)
				return nil
			}
			return buf.flushTo()
		}
	}
}

func computeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:16]) + `"`
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// etagMatch implements the weak comparison of RFC 9110 over a comma list,
// including the "*" wildcard.
func etagMatch(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
