package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "recordsync-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"physician"},
	}
}

func run(t *testing.T, mw echo.MiddlewareFunc, header string) (string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	var uid string
	err := mw(func(c echo.Context) error {
		uid = Caller(c)
		return c.String(http.StatusOK, "ok")
	})(c)
	return uid, err
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims("dr-grey"), testSigningKey)
	uid, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "recordsync-test"}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "dr-grey" {
		t.Errorf("expected dr-grey, got %q", uid)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims("dr-grey")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims("dr-grey")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", createTestToken(t, validClaims("dr-grey"), []byte("other-key"))},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey)},
		{"no subject", createTestToken(t, validClaims(""), testSigningKey)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tt.token)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	token := createTestToken(t, validClaims("dr-grey"), testSigningKey)
	_, err := run(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "someone-else"}), "Bearer "+token)
	expectUnauthorized(t, err)
}

func TestDevAuthMiddleware(t *testing.T) {
	mw := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})

	uid, err := run(t, mw, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != DevUserID {
		t.Errorf("expected %s, got %q", DevUserID, uid)
	}

	uid, err = run(t, mw, "Bearer "+createTestToken(t, validClaims("dr-house"), testSigningKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "dr-house" {
		t.Errorf("expected dr-house, got %q", uid)
	}

	_, err = run(t, mw, "Bearer not.a.jwt")
	expectUnauthorized(t, err)
}
