package users

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/auth"
	"go.uber.org/zap"
)

const opResolveCaller = "users.resolve_caller"

var errMissingRequestValidator = errors.New("users: request validator required")

// RequestValidator validates the session token carried by an HTTP request.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// CallerResolver maps an authenticated request to the identity it acts as.
type CallerResolver struct {
	validator RequestValidator
	service   *Service
	logger    *zap.Logger
}

// NewCallerResolver wires request validation to identity lookup.
func NewCallerResolver(validator RequestValidator, service *Service, logger *zap.Logger) (*CallerResolver, error) {
	if validator == nil {
		return nil, errMissingRequestValidator
	}
	if service == nil {
		return nil, errors.New("users: service required")
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &CallerResolver{validator: validator, service: service, logger: logger}, nil
}

// Resolve returns the caller's identity. Missing, invalid or expired tokens and tokens for
// deleted identities all yield ErrUnauthenticated.
func (r *CallerResolver) Resolve(request *http.Request) (Identity, error) {
	claims, err := r.validator.ValidateRequest(request)
	if err != nil {
		return Identity{}, NewError(KindUnauthenticated, opResolveCaller, err)
	}
	ctx := context.Background()
	if request != nil {
		ctx = request.Context()
	}
	identity, err := r.service.Identity(ctx, claims.IdentityID())
	switch {
	case KindOf(err) == KindIdentityNotFound:
		r.logger.Debug("session for unknown identity", zap.String("identity_id", claims.IdentityID()))
		return Identity{}, NewError(KindUnauthenticated, opResolveCaller, nil)
	case err != nil:
		return Identity{}, err
	}
	return identity, nil
}
