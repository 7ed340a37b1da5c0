package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// GoogleProvider prefixes external provider references minted from Google ID tokens.
	GoogleProvider = "google"

	DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	defaultJWKSCacheTTL  = 10 * time.Minute
)

var (
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")

	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")
	ErrMissingProviderToken  = errors.New("auth: provider id token required")
	ErrInvalidProviderToken  = errors.New("auth: provider id token rejected")
)

// GoogleVerifierConfig bundles configuration required to instantiate a GoogleVerifier.
type GoogleVerifierConfig struct {
	ClientID       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// ProviderIdentity is the verified account a Google ID token speaks for.
type ProviderIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	IssuedAt      time.Time
}

// Ref is the stable external provider reference stored on registered identities.
func (p ProviderIdentity) Ref() string {
	return GoogleProvider + ":" + p.Subject
}

type googleIDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// GoogleVerifier verifies Google ID tokens offline against the cached Google JWKS. It is the
// provider adapter used when an anonymous identity upgrades to a Google-backed account.
type GoogleVerifier struct {
	clientID string
	issuers  map[string]struct{}
	keys     *jwksKeySet
	logger   *zap.Logger
	clock    func() time.Time
}

// NewGoogleVerifier constructs a verifier with validated configuration.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	issuers := map[string]struct{}{}
	allowed := cfg.AllowedIssuers
	if len(allowed) == 0 {
		allowed = []string{"https://accounts.google.com", "accounts.google.com"}
	}
	for _, issuer := range allowed {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &GoogleVerifier{
		clientID: clientID,
		issuers:  issuers,
		keys:     newJWKSKeySet(jwksURL, httpClient, cacheTTL, logger),
		logger:   logger,
		clock:    clock,
	}, nil
}

// Provider names the external provider this adapter verifies.
func (v *GoogleVerifier) Provider() string {
	return GoogleProvider
}

// ResolveProviderRef verifies an ID token and returns its "google:<sub>" reference.
func (v *GoogleVerifier) ResolveProviderRef(ctx context.Context, idToken string) (string, error) {
	identity, err := v.Verify(ctx, idToken)
	if err != nil {
		return "", err
	}
	return identity.Ref(), nil
}

// Verify validates signature, audience, issuer and expiry of a Google ID token.
func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (ProviderIdentity, error) {
	rawToken := strings.TrimSpace(idToken)
	if rawToken == "" {
		return ProviderIdentity{}, ErrMissingProviderToken
	}

	claims := &googleIDTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.keys.key(ctx, keyID, v.clock())
		},
		jwt.WithAudience(v.clientID),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		v.logger.Debug("google id token rejected", zap.Error(err))
		return ProviderIdentity{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return ProviderIdentity{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, errUntrustedIssuer)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return ProviderIdentity{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, errMissingSubject)
	}

	identity := ProviderIdentity{
		Subject:       subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	return identity, nil
}
