package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", middleware, func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func doRequest(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware(t *testing.T) {
	router := newAuthRouter(JWTMiddleware("secret", "matcher"))

	token, err := IssueToken("secret", "matcher", "user-1", time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if rec := doRequest(router, "Bearer "+token); rec.Code != http.StatusOK || rec.Body.String() != "user-1" {
		t.Fatalf("expected authenticated request, got %d %q", rec.Code, rec.Body.String())
	}

	if rec := doRequest(router, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}

	wrongAudience, _ := IssueToken("secret", "other", "user-1", time.Hour)
	if rec := doRequest(router, "Bearer "+wrongAudience); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}

	expired, _ := IssueToken("secret", "matcher", "user-1", -time.Minute)
	if rec := doRequest(router, "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	forged, _ := IssueToken("other-secret", "matcher", "user-1", time.Hour)
	if rec := doRequest(router, "Bearer "+forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestOptionalJWTMiddleware(t *testing.T) {
	router := newAuthRouter(OptionalJWTMiddleware("secret", ""))

	if rec := doRequest(router, ""); rec.Code != http.StatusOK || rec.Body.String() != "" {
		t.Fatalf("expected anonymous pass-through, got %d %q", rec.Code, rec.Body.String())
	}

	token, _ := IssueToken("secret", "", "user-2", time.Hour)
	if rec := doRequest(router, "Bearer "+token); rec.Body.String() != "user-2" {
		t.Fatalf("expected subject to be injected, got %q", rec.Body.String())
	}

	if rec := doRequest(router, "Basic abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected malformed header to be rejected, got %d", rec.Code)
	}
}

func TestVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", "").Authenticate("Bearer abc"); err != errMissingSecret {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := IssueToken("", "", "user", time.Minute); err == nil {
		t.Fatal("expected issuing without a secret to fail")
	}
}
