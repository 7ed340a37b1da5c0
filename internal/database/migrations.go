package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRenormalizeHandleKeys = "2026-09-14_renormalize_handle_keys"
	migrationBackfillRegisteredAt  = "2026-10-02_backfill_registered_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenormalizeHandleKeys, apply: renormalizeHandleKeys},
		{name: migrationBackfillRegisteredAt, apply: backfillRegisteredAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// renormalizeHandleKeys rewrites handle keys stored before handles were NFKC-normalized and
// case-folded. Rows whose handle no longer parses are left untouched.
func renormalizeHandleKeys(tx *gorm.DB) error {
	var identities []users.Identity
	if err := tx.Select("id", "handle", "handle_key").Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		handle, err := users.ParseHandle(identity.Handle)
		if err != nil || handle.Key == identity.HandleKey {
			continue
		}
		if err := tx.Model(&users.Identity{}).
			Where("id = ?", identity.ID).
			Update("handle_key", handle.Key).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillRegisteredAt(tx *gorm.DB) error {
	return tx.Model(&users.Identity{}).
		Where("kind = ? AND registered_at IS NULL", users.KindRegistered).
		Update("registered_at", gorm.Expr("last_auth_at")).Error
}
