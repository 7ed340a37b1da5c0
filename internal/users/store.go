package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	opStoreNew              = "users.store.new"
	opCreateIdentity        = "users.store.create_identity"
	opIdentityByID          = "users.store.identity_by_id"
	opIdentityByHandle      = "users.store.identity_by_handle"
	opHandleExists          = "users.store.handle_exists"
	opTouchLastAuth         = "users.store.touch_last_auth"
	opIssueBackupCodes      = "users.store.issue_backup_codes"
	opListBackupCodes       = "users.store.list_backup_codes"
	opConsumeBackupCode     = "users.store.consume_backup_code"
	opMarkRegistered        = "users.store.mark_registered"
	opAppendMigrationRecord = "users.store.append_migration_record"
	opListMigrationRecords  = "users.store.list_migration_records"
	opDeleteIdentity        = "users.store.delete_identity"
)

var errMissingDatabase = errors.New("users: database connection required")

// Store is the durable credential store. It holds no business rules beyond the conditional
// writes that make concurrent callers agree on a single winner.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle whose schema already contains Models().
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, NewError(KindStoreUnavailable, opStoreNew, errMissingDatabase)
	}
	return &Store{db: db}, nil
}

// CreateIdentity inserts a new identity. A handle key collision yields ErrHandleTaken.
func (s *Store) CreateIdentity(ctx context.Context, identity *Identity) error {
	if err := s.db.WithContext(ctx).Create(identity).Error; err != nil {
		if isUniqueViolation(err) {
			return NewError(KindHandleTaken, opCreateIdentity, nil)
		}
		return storeUnavailable(opCreateIdentity, err)
	}
	return nil
}

// IdentityByID loads an identity by its id.
func (s *Store) IdentityByID(ctx context.Context, identityID string) (Identity, error) {
	return s.takeIdentity(s.db.WithContext(ctx), opIdentityByID, "id = ?", identityID)
}

// IdentityByHandleKey loads an identity by its case-folded handle key.
func (s *Store) IdentityByHandleKey(ctx context.Context, handleKey string) (Identity, error) {
	return s.takeIdentity(s.db.WithContext(ctx), opIdentityByHandle, "handle_key = ?", handleKey)
}

// HandleKeyExists probes for an identity holding the handle key.
func (s *Store) HandleKeyExists(ctx context.Context, handleKey string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Identity{}).Where("handle_key = ?", handleKey).Count(&count).Error; err != nil {
		return false, storeUnavailable(opHandleExists, err)
	}
	return count > 0, nil
}

// TouchLastAuth stamps the last successful authentication time.
func (s *Store) TouchLastAuth(ctx context.Context, identityID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&Identity{}).Where("id = ?", identityID).Update("last_auth_at", at)
	if result.Error != nil {
		return storeUnavailable(opTouchLastAuth, result.Error)
	}
	if result.RowsAffected == 0 {
		return NewError(KindIdentityNotFound, opTouchLastAuth, nil)
	}
	return nil
}

// IssueBackupCodes persists the identity's one and only backup code batch. The batch guard is the
// conditional write on backup_codes_issued_at; the unique (identity_id, slot) index backs it up.
func (s *Store) IssueBackupCodes(ctx context.Context, identityID string, codes []BackupCode, issuedAt time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Identity{}).
			Where("id = ? AND backup_codes_issued_at IS NULL", identityID).
			Update("backup_codes_issued_at", issuedAt)
		if result.Error != nil {
			return storeUnavailable(opIssueBackupCodes, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := s.takeIdentity(tx, opIssueBackupCodes, "id = ?", identityID); err != nil {
				return err
			}
			return NewError(KindBatchAlreadyExists, opIssueBackupCodes, nil)
		}
		if err := tx.Create(&codes).Error; err != nil {
			if isUniqueViolation(err) {
				return NewError(KindBatchAlreadyExists, opIssueBackupCodes, nil)
			}
			return storeUnavailable(opIssueBackupCodes, err)
		}
		return nil
	})
	return asStoreError(opIssueBackupCodes, err)
}

// BackupCodes lists all codes of an identity ordered by slot.
func (s *Store) BackupCodes(ctx context.Context, identityID string) ([]BackupCode, error) {
	return s.listBackupCodes(ctx, "identity_id = ?", identityID)
}

// UnconsumedBackupCodes lists the codes of an identity that are still usable.
func (s *Store) UnconsumedBackupCodes(ctx context.Context, identityID string) ([]BackupCode, error) {
	return s.listBackupCodes(ctx, "identity_id = ? AND consumed = ?", identityID, false)
}

// ConsumeBackupCode marks the code consumed only if nobody consumed it first. The returned flag is
// the race result: exactly one concurrent caller observes true.
func (s *Store) ConsumeBackupCode(ctx context.Context, codeID, action string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&BackupCode{}).
		Where("id = ? AND consumed = ?", codeID, false).
		Updates(map[string]any{
			"consumed":     true,
			"consumed_at":  at,
			"consumed_for": action,
		})
	if result.Error != nil {
		return false, storeUnavailable(opConsumeBackupCode, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkRegistered flips an anonymous identity to registered in one conditional write and stores the
// succeeded audit record in the same transaction. Progress columns are never touched.
func (s *Store) MarkRegistered(ctx context.Context, identityID, providerRef string, record MigrationRecord) (Identity, error) {
	var migrated Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Identity{}).
			Where("id = ? AND kind = ?", identityID, KindAnonymous).
			Updates(map[string]any{
				"kind":                  KindRegistered,
				"external_provider_ref": providerRef,
				"registered_at":         record.AttemptedAt,
			})
		if result.Error != nil {
			if isUniqueViolation(result.Error) {
				return NewError(KindProviderAlreadyLinked, opMarkRegistered, nil)
			}
			return storeUnavailable(opMarkRegistered, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := s.takeIdentity(tx, opMarkRegistered, "id = ?", identityID); err != nil {
				return err
			}
			return NewError(KindMigrationAlreadyCompleted, opMarkRegistered, nil)
		}
		if err := tx.Create(&record).Error; err != nil {
			return storeUnavailable(opMarkRegistered, err)
		}
		identity, err := s.takeIdentity(tx, opMarkRegistered, "id = ?", identityID)
		if err != nil {
			return err
		}
		migrated = identity
		return nil
	})
	if err != nil {
		return Identity{}, asStoreError(opMarkRegistered, err)
	}
	return migrated, nil
}

// AppendMigrationRecord stores an audit row for a migration attempt outside the migration write.
func (s *Store) AppendMigrationRecord(ctx context.Context, record MigrationRecord) error {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return storeUnavailable(opAppendMigrationRecord, err)
	}
	return nil
}

// MigrationRecords lists the migration audit trail of an identity, oldest first.
func (s *Store) MigrationRecords(ctx context.Context, identityID string) ([]MigrationRecord, error) {
	var records []MigrationRecord
	if err := s.db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("attempted_at ASC").
		Find(&records).Error; err != nil {
		return nil, storeUnavailable(opListMigrationRecords, err)
	}
	return records, nil
}

// DeleteIdentity removes the identity and every dependent row in one transaction.
func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID).Delete(&BackupCode{}).Error; err != nil {
			return storeUnavailable(opDeleteIdentity, err)
		}
		if err := tx.Where("identity_id = ?", identityID).Delete(&MigrationRecord{}).Error; err != nil {
			return storeUnavailable(opDeleteIdentity, err)
		}
		result := tx.Where("id = ?", identityID).Delete(&Identity{})
		if result.Error != nil {
			return storeUnavailable(opDeleteIdentity, result.Error)
		}
		if result.RowsAffected == 0 {
			return NewError(KindIdentityNotFound, opDeleteIdentity, nil)
		}
		return nil
	})
	return asStoreError(opDeleteIdentity, err)
}

func (s *Store) takeIdentity(db *gorm.DB, op string, query string, args ...any) (Identity, error) {
	var identity Identity
	err := db.Where(query, args...).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, NewError(KindIdentityNotFound, op, nil)
	}
	if err != nil {
		return Identity{}, storeUnavailable(op, err)
	}
	return identity, nil
}

func (s *Store) listBackupCodes(ctx context.Context, query string, args ...any) ([]BackupCode, error) {
	var codes []BackupCode
	if err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("slot ASC").
		Find(&codes).Error; err != nil {
		return nil, storeUnavailable(opListBackupCodes, err)
	}
	return codes, nil
}

// asStoreError keeps typed errors returned from inside a transaction and classifies anything else
// (begin/commit failures) as store unavailability.
func asStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return storeUnavailable(op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
