package users

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/hashing"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/secrets"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type serviceFixture struct {
	db      *gorm.DB
	store   *Store
	service *Service
	now     time.Time
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	return db
}

func newTestHasher(t *testing.T) *hashing.Argon2idHasher {
	t.Helper()
	hasher, err := hashing.NewArgon2idHasher(hashing.Params{
		MemoryKiB:   1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("failed to construct hasher: %v", err)
	}
	return hasher
}

func newServiceFixture(t *testing.T, logger *zap.Logger) *serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	fixture := &serviceFixture{
		db:    db,
		store: store,
		now:   time.Date(2026, 4, 12, 10, 0, 0, 0, time.UTC),
	}
	service, err := NewService(ServiceConfig{
		Store:      store,
		Hasher:     newTestHasher(t),
		Generator:  secrets.NewGenerator(),
		IDProvider: NewUUIDProvider(),
		Clock:      func() time.Time { return fixture.now },
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service
	return fixture
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	store, err := NewStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := NewService(ServiceConfig{Store: store}); !errors.Is(err, errMissingHasher) {
		t.Fatalf("expected missing hasher, got %v", err)
	}
	if _, err := NewStore(nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable for nil db, got %v", err)
	}
}

func TestCreateAnonymousIssuesSecretKey(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	identity, secretKey, err := fixture.service.CreateAnonymous(context.Background(), "  SwiftTiger42 ")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if identity.Handle != "SwiftTiger42" || identity.HandleKey != "swifttiger42" {
		t.Fatalf("unexpected handle %q / %q", identity.Handle, identity.HandleKey)
	}
	if identity.Kind != KindAnonymous || identity.IsRegistered() {
		t.Fatalf("expected anonymous identity, got %s", identity.Kind)
	}
	if identity.Progress() != (Progress{}) {
		t.Fatalf("expected zero progress, got %+v", identity.Progress())
	}
	if identity.Role != RoleMember || !identity.HasRole(RoleMember) || identity.HasRole(RoleModerator) {
		t.Fatalf("unexpected role %s", identity.Role)
	}
	if identity.ProviderRef() != "" {
		t.Fatalf("anonymous identity must not carry a provider ref")
	}
	if len(secrets.NormalizeSecretKey(secretKey)) != secrets.SecretKeySymbols {
		t.Fatalf("unexpected secret key shape %q", secretKey)
	}
	if !identity.CreatedAt.Equal(fixture.now) || !identity.LastAuthAt.Equal(fixture.now) {
		t.Fatalf("unexpected timestamps %v / %v", identity.CreatedAt, identity.LastAuthAt)
	}

	stored, err := fixture.store.IdentityByID(context.Background(), identity.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.SecretKeyHash == nil || !strings.HasPrefix(*stored.SecretKeyHash, "$argon2id$") {
		t.Fatalf("expected argon2id secret key hash, got %v", stored.SecretKeyHash)
	}
}

func TestCreateAnonymousRejectsTakenHandleCaseInsensitively(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	if _, _, err := fixture.service.CreateAnonymous(context.Background(), "SwiftTiger42"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	for _, variant := range []string{"SwiftTiger42", "swifttiger42", "SWIFTTIGER42"} {
		_, _, err := fixture.service.CreateAnonymous(context.Background(), variant)
		if !errors.Is(err, ErrHandleTaken) {
			t.Fatalf("expected handle taken for %q, got %v", variant, err)
		}
	}

	var count int64
	if err := fixture.db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity, got %d", count)
	}
}

func TestCreateAnonymousRejectsInvalidHandles(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	testCases := []struct {
		name   string
		handle string
	}{
		{name: "empty", handle: ""},
		{name: "whitespace", handle: "   "},
		{name: "too long", handle: strings.Repeat("a", MaxHandleLength+1)},
		{name: "space inside", handle: "swift tiger"},
		{name: "punctuation", handle: "tiger!"},
		{name: "emoji", handle: "tiger🐯"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, _, err := fixture.service.CreateAnonymous(context.Background(), testCase.handle)
			if !errors.Is(err, ErrInvalidHandle) {
				t.Fatalf("expected invalid handle, got %v", err)
			}
		})
	}

	if _, _, err := fixture.service.CreateAnonymous(context.Background(), strings.Repeat("é", MaxHandleLength)); err != nil {
		t.Fatalf("expected %d non-ascii runes to be accepted: %v", MaxHandleLength, err)
	}
}

func TestCreateAnonymousConcurrentSameHandleHasOneWinner(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		taken     int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			handle := "RaceHandle"
			if index%2 == 1 {
				handle = "racehandle"
			}
			_, _, err := fixture.service.CreateAnonymous(context.Background(), handle)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrHandleTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(attempt)
	}
	wg.Wait()

	if successes != 1 || taken != attempts-1 {
		t.Fatalf("expected one winner, got %d successes and %d handle-taken", successes, taken)
	}
}

func TestLoginWithSecretKey(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	created, secretKey, err := fixture.service.CreateAnonymous(context.Background(), "SwiftTiger42")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	fixture.now = fixture.now.Add(2 * time.Hour)
	lowered := strings.ToLower(strings.ReplaceAll(secretKey, "-", ""))
	identity, err := fixture.service.LoginWithSecretKey(context.Background(), "swifttiger42", lowered)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if identity.ID != created.ID {
		t.Fatalf("logged into %s, expected %s", identity.ID, created.ID)
	}
	if !identity.LastAuthAt.Equal(fixture.now) {
		t.Fatalf("expected last auth %v, got %v", fixture.now, identity.LastAuthAt)
	}

	stored, err := fixture.store.IdentityByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !stored.LastAuthAt.Equal(fixture.now) {
		t.Fatalf("expected persisted last auth %v, got %v", fixture.now, stored.LastAuthAt)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	created, secretKey, err := fixture.service.CreateAnonymous(context.Background(), "SwiftTiger42")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	providerRef := "google:provider-only"
	providerOnly := Identity{
		ID:                  "identity-provider-only",
		Handle:              "ProviderOnly",
		HandleKey:           "provideronly",
		Kind:                KindRegistered,
		ExternalProviderRef: &providerRef,
		Role:                RoleMember,
		CreatedAt:           fixture.now,
		LastAuthAt:          fixture.now,
	}
	if err := fixture.store.CreateIdentity(context.Background(), &providerOnly); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, wrongKeyErr := fixture.service.LoginWithSecretKey(context.Background(), "SwiftTiger42", "0000-0000-0000-0000-0000-0000-0000-0000")
	_, unknownErr := fixture.service.LoginWithSecretKey(context.Background(), "NobodyHere99", secretKey)
	_, malformedErr := fixture.service.LoginWithSecretKey(context.Background(), "bad handle!", secretKey)
	_, providerErr := fixture.service.LoginWithSecretKey(context.Background(), "ProviderOnly", secretKey)

	for name, err := range map[string]error{"wrong key": wrongKeyErr, "unknown": unknownErr, "malformed": malformedErr, "provider only": providerErr} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected invalid credentials, got %v", name, err)
		}
		if err.Error() != wrongKeyErr.Error() {
			t.Fatalf("%s: error %q distinguishable from %q", name, err.Error(), wrongKeyErr.Error())
		}
	}

	stored, err := fixture.store.IdentityByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !stored.LastAuthAt.Equal(created.LastAuthAt) {
		t.Fatalf("failed login must not touch last auth")
	}
}

func TestCheckHandleAvailable(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	available, err := fixture.service.CheckHandleAvailable(context.Background(), "SwiftTiger42")
	if err != nil || !available {
		t.Fatalf("expected free handle, got %v / %v", available, err)
	}
	if _, _, err := fixture.service.CreateAnonymous(context.Background(), "SwiftTiger42"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	available, err = fixture.service.CheckHandleAvailable(context.Background(), "SWIFTTIGER42")
	if err != nil || available {
		t.Fatalf("expected taken handle, got %v / %v", available, err)
	}
	if _, err := fixture.service.CheckHandleAvailable(context.Background(), "no spaces"); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected invalid handle, got %v", err)
	}
}

func TestSuggestHandleReturnsAvailableHandle(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	suggestion, err := fixture.service.SuggestHandle(context.Background())
	if err != nil {
		t.Fatalf("suggest failed: %v", err)
	}
	if _, err := ParseHandle(suggestion); err != nil {
		t.Fatalf("suggestion %q is not a valid handle: %v", suggestion, err)
	}
	available, err := fixture.service.CheckHandleAvailable(context.Background(), suggestion)
	if err != nil || !available {
		t.Fatalf("suggestion %q should be available", suggestion)
	}
}

func TestSecretKeyNeverPersistedInPlaintext(t *testing.T) {
	fixture := newServiceFixture(t, nil)

	var issued []string
	for index := 0; index < 3; index++ {
		_, secretKey, err := fixture.service.CreateAnonymous(context.Background(), fmt.Sprintf("Scanner%02d", index))
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		issued = append(issued, secretKey, secrets.NormalizeSecretKey(secretKey))
	}

	var rows []map[string]any
	if err := fixture.db.Table("identities").Find(&rows).Error; err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	for _, row := range rows {
		for column, value := range row {
			text := fmt.Sprint(value)
			for _, secret := range issued {
				if strings.Contains(text, secret) {
					t.Fatalf("column %s contains a plaintext secret key", column)
				}
			}
		}
	}
}

func TestServiceLogsStoreFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	fixture := newServiceFixture(t, zap.New(core))

	sqlDB, err := fixture.db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close db: %v", err)
	}

	_, err = fixture.service.CheckHandleAvailable(context.Background(), "SwiftTiger42")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	var storeErr *Error
	if !errors.As(err, &storeErr) || !storeErr.Retryable() {
		t.Fatalf("expected retryable store error, got %v", err)
	}

	entries := logs.FilterMessage("users service error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != opCheckHandle || fields["reason"] != "handle_lookup_failed" {
		t.Fatalf("unexpected log fields %#v", fields)
	}
}
