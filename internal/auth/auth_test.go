package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID  = "libhub-test"
	testIssuer = "https://id.test/realms/libhub"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newTestAuth(t *testing.T, key *rsa.PrivateKey) *Authenticator {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	return NewWithKeyfunc(kf, testIssuer, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "alice",
		"email": "alice@example.com",
		"name":  "Alice",
		"scope": "publications:read publications:write",
		"iss":   testIssuer,
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/publications", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestVerifyToken(t *testing.T) {
	key := generateTestKey(t)
	a := newTestAuth(t, key)

	id, err := a.VerifyToken(requestWithToken(signToken(t, key, validClaims())))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if id.UserID != "alice" || id.Email != "alice@example.com" || id.Name != "Alice" {
		t.Errorf("unexpected identity %+v", id)
	}
	if len(id.Scopes) != 2 {
		t.Errorf("expected 2 scopes, got %v", id.Scopes)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	key := generateTestKey(t)
	other := generateTestKey(t)
	a := newTestAuth(t, key)

	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.test"

	noSubject := validClaims()
	delete(noSubject, "sub")

	noExp := validClaims()
	delete(noExp, "exp")

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no header", requestWithToken("")},
		{"expired", requestWithToken(signToken(t, key, expired))},
		{"wrong issuer", requestWithToken(signToken(t, key, wrongIssuer))},
		{"missing subject", requestWithToken(signToken(t, key, noSubject))},
		{"missing exp", requestWithToken(signToken(t, key, noExp))},
		{"foreign key", requestWithToken(signToken(t, other, validClaims()))},
		{"garbage", requestWithToken("not.a.jwt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.VerifyToken(tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := a.VerifyToken(r); err == nil {
		t.Error("Basic scheme must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	key := generateTestKey(t)
	a := newTestAuth(t, key)

	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	var message string
	h := a.Middleware(func(w http.ResponseWriter, msg string) {
		message = msg
		w.WriteHeader(http.StatusUnauthorized)
	})(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithToken(signToken(t, key, validClaims())))
	if rec.Code != http.StatusNoContent || seen.UserID != "alice" {
		t.Fatalf("expected pass-through, got %d %+v", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestWithToken(""))
	if rec.Code != http.StatusUnauthorized || message != "missing Authorization header" {
		t.Errorf("expected 401 missing header, got %d %q", rec.Code, message)
	}
}

func TestFromContextEmpty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := FromContext(r.Context()); ok {
		t.Error("empty context must not carry identity")
	}
	if _, ok := FromContext(WithIdentity(r.Context(), Identity{})); ok {
		t.Error("identity without user id must be rejected")
	}
}
