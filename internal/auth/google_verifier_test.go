package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testGoogleClientID = "test-client.apps.googleusercontent.com"
	testGoogleKeyID    = "test-key"
)

type googleFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	fetches    atomic.Int32
}

func newGoogleFixture(t *testing.T) *googleFixture {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	fixture := &googleFixture{privateKey: privateKey}
	document := map[string]any{
		"keys": []any{
			map[string]string{"kty": "EC", "kid": "ignored", "use": "sig"},
			map[string]string{
				"kty": "RSA",
				"alg": "RS256",
				"kid": testGoogleKeyID,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
			},
		},
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v3/certs" {
			http.NotFound(w, r)
			return
		}
		fixture.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(document)
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *googleFixture) verifier(t *testing.T) *GoogleVerifier {
	t.Helper()
	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		ClientID:   testGoogleClientID,
		JWKSURL:    f.server.URL + "/oauth2/v3/certs",
		HTTPClient: f.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func (f *googleFixture) sign(t *testing.T, claims jwt.MapClaims, keyID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func googleClaims(overrides map[string]any) jwt.MapClaims {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud":            testGoogleClientID,
		"iss":            "https://accounts.google.com",
		"sub":            "1122334455",
		"email":          "swift@example.com",
		"email_verified": true,
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
	}
	for key, value := range overrides {
		claims[key] = value
	}
	return claims
}

func TestGoogleVerifierResolvesProviderRef(t *testing.T) {
	fixture := newGoogleFixture(t)
	verifier := fixture.verifier(t)

	ref, err := verifier.ResolveProviderRef(context.Background(), fixture.sign(t, googleClaims(nil), testGoogleKeyID))
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if ref != "google:1122334455" {
		t.Fatalf("unexpected provider ref %s", ref)
	}
	if verifier.Provider() != GoogleProvider {
		t.Fatalf("unexpected provider name %s", verifier.Provider())
	}

	identity, err := verifier.Verify(context.Background(), fixture.sign(t, googleClaims(nil), testGoogleKeyID))
	if err != nil {
		t.Fatalf("second verification failed: %v", err)
	}
	if identity.Email != "swift@example.com" || !identity.EmailVerified {
		t.Fatalf("unexpected identity %#v", identity)
	}
	if fetches := fixture.fetches.Load(); fetches != 1 {
		t.Fatalf("expected cached jwks to be reused, got %d fetches", fetches)
	}
}

func TestGoogleVerifierRejectsBadTokens(t *testing.T) {
	fixture := newGoogleFixture(t)
	verifier := fixture.verifier(t)

	testCases := []struct {
		name  string
		token string
	}{
		{name: "audience", token: fixture.sign(t, googleClaims(map[string]any{"aud": "unexpected-client"}), testGoogleKeyID)},
		{name: "issuer", token: fixture.sign(t, googleClaims(map[string]any{"iss": "https://evil.example.com"}), testGoogleKeyID)},
		{name: "expired", token: fixture.sign(t, googleClaims(map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}), testGoogleKeyID)},
		{name: "missing subject", token: fixture.sign(t, googleClaims(map[string]any{"sub": ""}), testGoogleKeyID)},
		{name: "unknown key", token: fixture.sign(t, googleClaims(nil), "rotated-away")},
		{name: "garbage", token: "not.a.jwt"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := verifier.ResolveProviderRef(context.Background(), testCase.token); !errors.Is(err, ErrInvalidProviderToken) {
				t.Fatalf("expected invalid provider token, got %v", err)
			}
		})
	}

	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, ErrMissingProviderToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewGoogleVerifierRequiresClientIDAndJWKS(t *testing.T) {
	_, err := NewGoogleVerifier(GoogleVerifierConfig{JWKSURL: DefaultGoogleJWKSURL})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}

	_, err = NewGoogleVerifier(GoogleVerifierConfig{ClientID: testGoogleClientID, JWKSURL: " "})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingJWKSURL.Error()) {
		t.Fatalf("expected jwks validation error to be reported, got %v", err)
	}

	_, err = NewGoogleVerifier(GoogleVerifierConfig{
		ClientID:       testGoogleClientID,
		JWKSURL:        DefaultGoogleJWKSURL,
		AllowedIssuers: []string{"", "   "},
	})
	if !strings.Contains(fmtError(err), errNoAllowedIssuers.Error()) {
		t.Fatalf("expected allowed issuers validation error to be reported, got %v", err)
	}
}

func fmtError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
