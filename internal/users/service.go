package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/secrets"
	"go.uber.org/zap"
)

const (
	opServiceNew         = "users.service.new"
	opCreateAnonymous    = "users.create_anonymous"
	opCheckHandle        = "users.check_handle_available"
	opLoginWithSecretKey = "users.login_secret_key"
	opSuggestHandle      = "users.suggest_handle"
	opIdentity           = "users.identity"

	maxSuggestionAttempts = 8
	timingEqualizerSecret = "switchtrack-timing-equalizer"
)

var (
	errMissingStore      = errors.New("users: credential store required")
	errMissingHasher     = errors.New("users: hasher required")
	errMissingGenerator  = errors.New("users: secret generator required")
	errMissingIDProvider = errors.New("users: id provider required")
	noOpLogger           = zap.NewNop()
)

// SecretHasher is the slow one-way hash used for secret keys.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) bool
}

// SecretGenerator produces secret keys and cosmetic handle suggestions.
type SecretGenerator interface {
	SecretKey() (string, error)
	HandleSuggestion() (string, error)
}

// ServiceConfig describes the dependencies required for anonymous identity management.
type ServiceConfig struct {
	Store      *Store
	Hasher     SecretHasher
	Generator  SecretGenerator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service creates anonymous identities and authenticates them by secret key.
type Service struct {
	store      *Store
	hasher     SecretHasher
	generator  SecretGenerator
	idProvider IDProvider
	now        func() time.Time
	logger     *zap.Logger
	dummyHash  string
}

// NewService validates dependencies. It hashes one throwaway secret so that logins for unknown
// handles spend the same hashing time as logins with a wrong key.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, NewError(KindStoreUnavailable, opServiceNew, errMissingStore)
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingHasher)
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingGenerator)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dummyHash, err := cfg.Hasher.Hash(timingEqualizerSecret)
	if err != nil {
		return nil, fmt.Errorf("%s: timing equalizer hash: %w", opServiceNew, err)
	}
	return &Service{
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		generator:  cfg.Generator,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
		dummyHash:  dummyHash,
	}, nil
}

// CreateAnonymous registers a new anonymous identity and returns the plaintext secret key.
// This is the only time the key is available; only its hash is persisted.
func (s *Service) CreateAnonymous(ctx context.Context, rawHandle string) (Identity, string, error) {
	handle, err := ParseHandle(rawHandle)
	if err != nil {
		return Identity{}, "", err
	}

	secretKey, err := s.generator.SecretKey()
	if err != nil {
		s.logError(opCreateAnonymous, "secret_key_generation_failed", err)
		return Identity{}, "", fmt.Errorf("%s: %w", opCreateAnonymous, err)
	}
	secretKeyHash, err := s.hasher.Hash(secrets.NormalizeSecretKey(secretKey))
	if err != nil {
		s.logError(opCreateAnonymous, "secret_key_hash_failed", err)
		return Identity{}, "", fmt.Errorf("%s: %w", opCreateAnonymous, err)
	}
	identityID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateAnonymous, "id_generation_failed", err)
		return Identity{}, "", fmt.Errorf("%s: %w", opCreateAnonymous, err)
	}

	now := s.now().UTC()
	identity := Identity{
		ID:            identityID,
		Handle:        handle.Display,
		HandleKey:     handle.Key,
		Kind:          KindAnonymous,
		SecretKeyHash: &secretKeyHash,
		Role:          RoleMember,
		CreatedAt:     now,
		LastAuthAt:    now,
	}
	if err := s.store.CreateIdentity(ctx, &identity); err != nil {
		if KindOf(err) != KindHandleTaken {
			s.logError(opCreateAnonymous, "identity_insert_failed", err, zap.String("handle_key", handle.Key))
		}
		return Identity{}, "", err
	}

	s.logger.Info("anonymous identity created", zap.String("identity_id", identity.ID))
	return identity, secretKey, nil
}

// CheckHandleAvailable reports whether no identity holds the handle (case-insensitively).
func (s *Service) CheckHandleAvailable(ctx context.Context, rawHandle string) (bool, error) {
	handle, err := ParseHandle(rawHandle)
	if err != nil {
		return false, err
	}
	exists, err := s.store.HandleKeyExists(ctx, handle.Key)
	if err != nil {
		s.logError(opCheckHandle, "handle_lookup_failed", err)
		return false, err
	}
	return !exists, nil
}

// LoginWithSecretKey authenticates an identity by handle and secret key. Unknown handles, malformed
// handles, provider-only identities and wrong keys all fail with the same ErrInvalidCredentials.
func (s *Service) LoginWithSecretKey(ctx context.Context, rawHandle, secretKey string) (Identity, error) {
	normalizedKey := secrets.NormalizeSecretKey(secretKey)

	handle, err := ParseHandle(rawHandle)
	if err != nil {
		s.hasher.Verify(normalizedKey, s.dummyHash)
		return Identity{}, NewError(KindInvalidCredentials, opLoginWithSecretKey, nil)
	}

	identity, err := s.store.IdentityByHandleKey(ctx, handle.Key)
	switch {
	case KindOf(err) == KindIdentityNotFound:
		s.hasher.Verify(normalizedKey, s.dummyHash)
		return Identity{}, NewError(KindInvalidCredentials, opLoginWithSecretKey, nil)
	case err != nil:
		s.logError(opLoginWithSecretKey, "identity_lookup_failed", err)
		return Identity{}, err
	}

	storedHash := s.dummyHash
	if identity.SecretKeyHash != nil {
		storedHash = *identity.SecretKeyHash
	}
	if !s.hasher.Verify(normalizedKey, storedHash) || identity.SecretKeyHash == nil {
		return Identity{}, NewError(KindInvalidCredentials, opLoginWithSecretKey, nil)
	}

	authenticatedAt := s.now().UTC()
	if err := s.store.TouchLastAuth(ctx, identity.ID, authenticatedAt); err != nil {
		s.logError(opLoginWithSecretKey, "last_auth_update_failed", err, zap.String("identity_id", identity.ID))
		return Identity{}, err
	}
	identity.LastAuthAt = authenticatedAt
	return identity, nil
}

// Identity loads an identity by id.
func (s *Service) Identity(ctx context.Context, identityID string) (Identity, error) {
	identityID = normalize(identityID)
	if identityID == "" {
		return Identity{}, NewError(KindIdentityNotFound, opIdentity, nil)
	}
	identity, err := s.store.IdentityByID(ctx, identityID)
	if err != nil && KindOf(err) != KindIdentityNotFound {
		s.logError(opIdentity, "identity_lookup_failed", err, zap.String("identity_id", identityID))
	}
	return identity, err
}

// SuggestHandle proposes a currently available cosmetic handle such as "SwiftTiger42".
// Availability is advisory; CreateAnonymous remains the only uniqueness authority.
func (s *Service) SuggestHandle(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxSuggestionAttempts; attempt++ {
		suggestion, err := s.generator.HandleSuggestion()
		if err != nil {
			s.logError(opSuggestHandle, "suggestion_failed", err)
			return "", fmt.Errorf("%s: %w", opSuggestHandle, err)
		}
		available, err := s.CheckHandleAvailable(ctx, suggestion)
		if err != nil {
			return "", err
		}
		if available {
			return suggestion, nil
		}
	}
	return "", NewError(KindHandleTaken, opSuggestHandle, nil)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("users service error", attrs...)
}
