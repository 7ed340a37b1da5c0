package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.OPTIONS("/account", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/me", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func newPreflightRequest(origin string) *http.Request {
	request := httptest.NewRequest(http.MethodOptions, "/account", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	return request
}

func TestCORSMiddlewareWithoutOriginsAllowsAnyOriginWithoutCredentials(t *testing.T) {
	router := newCORSRouter(nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, newPreflightRequest("https://app.example.com"))

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete) {
		t.Fatalf("expected DELETE to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected credentials to stay disabled, got %q", recorder.Header().Get("Access-Control-Allow-Credentials"))
	}

	request := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	request.Header.Set("Origin", "https://evil.example.com")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Header().Get("Access-Control-Allow-Origin") == "https://evil.example.com" {
		t.Fatalf("origin must not be reflected without an allow list")
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no credentials header on simple requests")
	}
}

func TestCORSMiddlewareAllowsCredentialsForConfiguredOrigins(t *testing.T) {
	router := newCORSRouter([]string{"https://switchtrack.app"})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, newPreflightRequest("https://switchtrack.app"))

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://switchtrack.app" {
		t.Fatalf("expected configured origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled for configured origins")
	}
}

func TestCORSMiddlewareRestrictsConfiguredOrigins(t *testing.T) {
	router := newCORSRouter([]string{"https://switchtrack.app"})

	request := httptest.NewRequest(http.MethodGet, "/me", http.NoBody)
	request.Header.Set("Origin", "https://evil.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected foreign origin to be refused, got %d", recorder.Code)
	}
}
