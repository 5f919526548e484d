package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// slowQuery blocks like a warehouse query until d passes or the request
// context ends.
func slowQuery(d time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case <-time.After(d):
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
}

func runTimeout(path string, timeout time.Duration, h echo.HandlerFunc, skip ...string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), rec)
	return rec, RequestTimeout(timeout, skip...)(h)(c)
}

func TestRequestTimeout_FastReport(t *testing.T) {
	rec, err := runTimeout("/api/v1/sitrep", time.Second, slowQuery(time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequestTimeout_SlowReportGets504(t *testing.T) {
	rec, err := runTimeout("/api/v1/sitrep", 30*time.Millisecond, slowQuery(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "report generation exceeded 30ms" {
		t.Errorf("unexpected message %q", body["message"])
	}
}

func TestRequestTimeout_SkippedPathsHaveNoDeadline(t *testing.T) {
	for _, path := range []string{"/health/db", "/metrics"} {
		_, err := runTimeout(path, 10*time.Millisecond, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: expected no deadline", path)
			}
			return nil
		}, "/health", "/metrics")
		if err != nil {
			t.Errorf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestRequestTimeout_HandlerErrorPassesThrough(t *testing.T) {
	_, err := runTimeout("/api/v1/surveillance/maps/population", time.Second, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "unknown map layer")
	})
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected the 404 to pass through, got %v", err)
	}
}
