package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only-32b")

func createTestToken(t *testing.T, claims Claims, key []byte, method jwt.SigningMethod) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func publisherClaims(exp time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "epi-officer-7",
			Issuer:    "moh-idp",
			Audience:  jwt.ClaimStrings{"sitrep"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name:  "Epi Officer",
		Roles: []string{RolePublisher},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sitrep/publish", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if handler == nil {
		handler = func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	}
	return JWTMiddleware(cfg)(handler)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "moh-idp", Audience: "sitrep"}
	valid := publisherClaims(time.Hour)

	noExp := valid
	noExp.ExpiresAt = nil

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer   "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + createTestToken(t, valid, []byte("another-key-another-key-another-k"), jwt.SigningMethodHS256)},
		{"wrong algorithm", "Bearer " + createTestToken(t, valid, testSigningKey, jwt.SigningMethodHS512)},
		{"expired", "Bearer " + createTestToken(t, publisherClaims(-time.Hour), testSigningKey, jwt.SigningMethodHS256)},
		{"no expiry", "Bearer " + createTestToken(t, noExp, testSigningKey, jwt.SigningMethodHS256)},
		{"wrong issuer", "Bearer " + createTestToken(t, wrongIssuer, testSigningKey, jwt.SigningMethodHS256)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, runJWT(t, cfg, tt.header, nil), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidTokenSetsIdentity(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "moh-idp", Audience: "sitrep"}
	token := createTestToken(t, publisherClaims(time.Hour), testSigningKey, jwt.SigningMethodHS256)

	called := false
	err := runJWT(t, cfg, "Bearer "+token, func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "epi-officer-7" {
			t.Errorf("expected subject epi-officer-7, got %q", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RolePublisher {
			t.Errorf("expected [publisher], got %v", roles)
		}
		if sub, _ := c.Get("auth_subject").(string); sub != "epi-officer-7" {
			t.Errorf("expected auth_subject on echo context, got %q", sub)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("expected [admin], got %v", roles)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
