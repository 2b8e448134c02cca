package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func newRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(), Auth(secret))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userId"))
	})
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_BearerHeader(t *testing.T) {
	token, err := SignToken(secret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() err = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	w := serve(newRouter(secret), req)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("GET /me = %d %q, want 200 alice", w.Code, w.Body.String())
	}
}

func TestAuth_QueryToken(t *testing.T) {
	token, _ := SignToken(secret, "bob", time.Minute)
	w := serve(newRouter(secret), httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	if w.Code != http.StatusOK || w.Body.String() != "bob" {
		t.Fatalf("GET /me = %d %q, want 200 bob", w.Code, w.Body.String())
	}
}

func TestAuth_Rejects(t *testing.T) {
	expired, _ := SignToken(secret, "alice", -time.Minute)
	wrongKey, _ := SignToken([]byte("other"), "alice", time.Minute)
	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Type:             "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}).SignedString(secret)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString(secret)

	cases := map[string]string{
		"missing":    "",
		"expired":    expired,
		"wrong key":  wrongKey,
		"refresh":    refresh,
		"no subject": noSubject,
		"garbage":    "abc.def.ghi",
	}
	r := newRouter(secret)
	for name, token := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if w := serve(r, req); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", name, w.Code)
		}
	}
}

func TestAuth_DevModeUsesQueryUser(t *testing.T) {
	w := serve(newRouter(nil), httptest.NewRequest(http.MethodGet, "/me?user=carol", nil))
	if w.Body.String() != "carol" {
		t.Fatalf("GET /me = %q, want carol", w.Body.String())
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	w := serve(newRouter(secret), req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"BEARER  abc ": "abc",
		"Basic abc":    "",
		"Bearer ":      "",
	}
	for in, want := range cases {
		if got := extractBearer(in); got != want {
			t.Fatalf("extractBearer(%q) = %q, want %q", in, got, want)
		}
	}
}
