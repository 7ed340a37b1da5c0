package users

import (
	"strings"
	"time"
)

// Kind distinguishes self-held secret key accounts from provider-backed ones.
type Kind string

const (
	KindAnonymous  Kind = "anonymous"
	KindRegistered Kind = "registered"
)

// Role gates moderation features outside this service.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Identity is one Switchtrack account.
type Identity struct {
	ID                  string     `gorm:"column:id;primaryKey;size:64;not null"`
	Handle              string     `gorm:"column:handle;size:80;not null"`
	HandleKey           string     `gorm:"column:handle_key;size:80;not null;uniqueIndex:idx_identities_handle_key"`
	Kind                Kind       `gorm:"column:kind;size:16;not null;default:anonymous"`
	ExternalProviderRef *string    `gorm:"column:external_provider_ref;size:320;uniqueIndex:idx_identities_provider_ref"`
	SecretKeyHash       *string    `gorm:"column:secret_key_hash;size:255"`
	Role                Role       `gorm:"column:role;size:16;not null;default:member"`
	Points              int64      `gorm:"column:points;not null;default:0"`
	Level               int64      `gorm:"column:level;not null;default:0"`
	SwitchCount         int64      `gorm:"column:switch_count;not null;default:0"`
	BackupCodesIssuedAt *time.Time `gorm:"column:backup_codes_issued_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null"`
	LastAuthAt          time.Time  `gorm:"column:last_auth_at;not null"`
	RegisteredAt        *time.Time `gorm:"column:registered_at"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "identities"
}

// Progress holds the counters downstream features read for feeds and leaderboards.
type Progress struct {
	Points      int64
	Level       int64
	SwitchCount int64
}

// Progress returns the identity's progress counters.
func (i Identity) Progress() Progress {
	return Progress{Points: i.Points, Level: i.Level, SwitchCount: i.SwitchCount}
}

// IsRegistered reports whether the identity is bound to an external provider.
func (i Identity) IsRegistered() bool {
	return i.Kind == KindRegistered
}

// HasRole reports whether the identity holds at least the given role.
func (i Identity) HasRole(role Role) bool {
	return roleRank(i.Role) >= roleRank(role)
}

// ProviderRef returns the bound external provider reference, or "" for anonymous identities.
func (i Identity) ProviderRef() string {
	if i.ExternalProviderRef == nil {
		return ""
	}
	return *i.ExternalProviderRef
}

func roleRank(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleModerator:
		return 2
	case RoleMember, "":
		return 1
	default:
		return 0
	}
}

// BackupCode is one single-use recovery token of an identity's batch.
type BackupCode struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null"`
	IdentityID  string     `gorm:"column:identity_id;size:64;not null;uniqueIndex:idx_backup_codes_identity_slot,priority:1;index:idx_backup_codes_identity_consumed,priority:1"`
	Slot        int        `gorm:"column:slot;not null;uniqueIndex:idx_backup_codes_identity_slot,priority:2"`
	CodeHash    string     `gorm:"column:code_hash;size:255;not null"`
	DisplayCode string     `gorm:"column:display_code;size:16;not null;default:''"`
	Consumed    bool       `gorm:"column:consumed;not null;default:false;index:idx_backup_codes_identity_consumed,priority:2"`
	ConsumedAt  *time.Time `gorm:"column:consumed_at"`
	ConsumedFor string     `gorm:"column:consumed_for;size:64;not null;default:''"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing backup codes.
func (BackupCode) TableName() string {
	return "backup_codes"
}

// MigrationOutcome records how an anonymous-to-registered attempt ended.
type MigrationOutcome string

const (
	MigrationSucceeded             MigrationOutcome = "succeeded"
	MigrationAlreadyCompleted      MigrationOutcome = "already_completed"
	MigrationProviderAlreadyLinked MigrationOutcome = "provider_already_linked"
)

// MigrationRecord audits one anonymous-to-registered migration attempt.
type MigrationRecord struct {
	ID                  string           `gorm:"column:id;primaryKey;size:64;not null"`
	IdentityID          string           `gorm:"column:identity_id;size:64;not null;index:idx_identity_migrations_identity"`
	ExternalProviderRef string           `gorm:"column:external_provider_ref;size:320;not null"`
	Outcome             MigrationOutcome `gorm:"column:outcome;size:32;not null"`
	AttemptedAt         time.Time        `gorm:"column:attempted_at;not null"`
}

// TableName exposes the table backing migration audit records.
func (MigrationRecord) TableName() string {
	return "identity_migrations"
}

// Models lists every table owned by the credential store, in dependency order.
func Models() []any {
	return []any{&Identity{}, &BackupCode{}, &MigrationRecord{}}
}

// normalize trims surrounding whitespace from ids and refs.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
