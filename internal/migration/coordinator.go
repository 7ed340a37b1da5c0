package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"go.uber.org/zap"
)

const (
	opMigrate             = "migration.migrate"
	opMigrateWithProvider = "migration.migrate_with_provider"
	opHistory             = "migration.history"
)

var (
	errMissingStore      = errors.New("migration: store required")
	errMissingIDProvider = errors.New("migration: id provider required")

	// ErrUnknownProvider reports a provider name with no registered adapter.
	ErrUnknownProvider = errors.New("migration: unknown provider")
	// ErrProviderRejected reports a credential the provider adapter could not verify.
	ErrProviderRejected = errors.New("migration: provider credential rejected")
	// ErrInvalidProviderRef reports a reference that is not of the form provider:subject.
	ErrInvalidProviderRef = errors.New("migration: invalid external provider reference")
)

// ProviderAdapter turns a provider credential (for example a Google ID token) into a stable
// external provider reference.
type ProviderAdapter interface {
	Provider() string
	ResolveProviderRef(ctx context.Context, credential string) (string, error)
}

// CoordinatorConfig describes the dependencies of the migration coordinator.
type CoordinatorConfig struct {
	Store      *users.Store
	IDProvider users.IDProvider
	Providers  []ProviderAdapter
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator upgrades anonymous identities to registered ones without touching their progress.
type Coordinator struct {
	store      *users.Store
	idProvider users.IDProvider
	providers  map[string]ProviderAdapter
	now        func() time.Time
	logger     *zap.Logger
}

// NewCoordinator validates the configuration and indexes provider adapters by name.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	providers := make(map[string]ProviderAdapter, len(cfg.Providers))
	for _, adapter := range cfg.Providers {
		if adapter == nil {
			continue
		}
		providers[strings.ToLower(adapter.Provider())] = adapter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		providers:  providers,
		now:        clock,
		logger:     logger,
	}, nil
}

// Migrate binds an anonymous identity to externalProviderRef. Points, level, switch count, handle
// and id are carried over unchanged. A source that is not an existing anonymous identity (already
// migrated, deleted or never created) returns ErrMigrationAlreadyCompleted and a ref owned by
// another identity returns ErrProviderAlreadyLinked; both leave the identity untouched.
func (c *Coordinator) Migrate(ctx context.Context, identityID, externalProviderRef string) (users.Identity, error) {
	ref, err := normalizeProviderRef(externalProviderRef)
	if err != nil {
		return users.Identity{}, err
	}
	recordID, err := c.idProvider.NewID()
	if err != nil {
		c.logError(opMigrate, "id_generation_failed", err)
		return users.Identity{}, fmt.Errorf("%s: %w", opMigrate, err)
	}

	attemptedAt := c.now().UTC()
	record := users.MigrationRecord{
		ID:                  recordID,
		IdentityID:          identityID,
		ExternalProviderRef: ref,
		Outcome:             users.MigrationSucceeded,
		AttemptedAt:         attemptedAt,
	}
	migrated, err := c.store.MarkRegistered(ctx, identityID, ref, record)
	switch users.KindOf(err) {
	case "":
		c.logger.Info("identity migrated",
			zap.String("identity_id", migrated.ID),
			zap.String("provider", providerOf(ref)),
		)
		return migrated, nil
	case users.KindMigrationAlreadyCompleted:
		c.recordFailure(ctx, record, users.MigrationAlreadyCompleted)
	case users.KindIdentityNotFound:
		// No audit row: there is no identity to own it.
		return users.Identity{}, users.NewError(users.KindMigrationAlreadyCompleted, opMigrate, nil)
	case users.KindProviderAlreadyLinked:
		c.recordFailure(ctx, record, users.MigrationProviderAlreadyLinked)
	case users.KindStoreUnavailable:
		c.logError(opMigrate, "mark_registered_failed", err, zap.String("identity_id", identityID))
	}
	return users.Identity{}, err
}

// MigrateWithProvider resolves credential through the named provider adapter and migrates.
func (c *Coordinator) MigrateWithProvider(ctx context.Context, identityID, provider, credential string) (users.Identity, error) {
	adapter, ok := c.providers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return users.Identity{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	ref, err := adapter.ResolveProviderRef(ctx, credential)
	if err != nil {
		c.logger.Warn("provider credential rejected",
			zap.String("operation", opMigrateWithProvider),
			zap.String("provider", adapter.Provider()),
			zap.Error(err),
		)
		return users.Identity{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	return c.Migrate(ctx, identityID, ref)
}

// History lists every recorded migration attempt for the identity, oldest first.
func (c *Coordinator) History(ctx context.Context, identityID string) ([]users.MigrationRecord, error) {
	records, err := c.store.MigrationRecords(ctx, identityID)
	if err != nil {
		c.logError(opHistory, "history_lookup_failed", err, zap.String("identity_id", identityID))
		return nil, err
	}
	return records, nil
}

// recordFailure audits a rejected attempt. The audit write is best effort and never changes the
// caller's result.
func (c *Coordinator) recordFailure(ctx context.Context, record users.MigrationRecord, outcome users.MigrationOutcome) {
	record.Outcome = outcome
	if err := c.store.AppendMigrationRecord(ctx, record); err != nil {
		c.logger.Warn("migration audit write failed",
			zap.String("identity_id", record.IdentityID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("migration coordinator error", attrs...)
}

func normalizeProviderRef(raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	provider, subject, found := strings.Cut(ref, ":")
	if !found || strings.TrimSpace(provider) == "" || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidProviderRef, raw)
	}
	return strings.ToLower(provider) + ":" + subject, nil
}

func providerOf(ref string) string {
	provider, _, _ := strings.Cut(ref, ":")
	return provider
}
