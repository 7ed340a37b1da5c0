package users

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

type stubRequestValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubRequestValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

func claimsFor(identityID string) auth.SessionClaims {
	return auth.SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: identityID}}
}

func TestCallerResolverResolvesIdentity(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	created, _, err := fixture.service.CreateAnonymous(context.Background(), "SwiftTiger42")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resolver, err := NewCallerResolver(stubRequestValidator{claims: claimsFor(created.ID)}, fixture.service, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	identity, err := resolver.Resolve(httptest.NewRequest(http.MethodGet, "/me", nil))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if identity.ID != created.ID {
		t.Fatalf("resolved %s, expected %s", identity.ID, created.ID)
	}
}

func TestCallerResolverRejectsUnauthenticatedRequests(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	testCases := []struct {
		name      string
		validator stubRequestValidator
	}{
		{name: "missing token", validator: stubRequestValidator{err: auth.ErrMissingSessionToken}},
		{name: "expired token", validator: stubRequestValidator{err: auth.ErrExpiredSessionToken}},
		{name: "deleted identity", validator: stubRequestValidator{claims: claimsFor("identity-gone")}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resolver, err := NewCallerResolver(testCase.validator, fixture.service, nil)
			if err != nil {
				t.Fatalf("resolver: %v", err)
			}
			_, err = resolver.Resolve(httptest.NewRequest(http.MethodGet, "/me", nil))
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated, got %v", err)
			}
		})
	}

	if _, err := NewCallerResolver(nil, fixture.service, nil); err == nil {
		t.Fatalf("expected constructor to require a validator")
	}
}
