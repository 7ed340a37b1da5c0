package gate

import (
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/backupcodes"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
)

type exportDocument struct {
	ExportedAt  time.Time         `json:"exported_at"`
	Identity    exportIdentity    `json:"identity"`
	BackupCodes exportBackupCodes `json:"backup_codes"`
	Migrations  []exportMigration `json:"migrations"`
}

type exportIdentity struct {
	ID                  string     `json:"id"`
	Handle              string     `json:"handle"`
	Kind                string     `json:"kind"`
	Role                string     `json:"role"`
	ExternalProviderRef string     `json:"external_provider_ref,omitempty"`
	Points              int64      `json:"points"`
	Level               int64      `json:"level"`
	SwitchCount         int64      `json:"switch_count"`
	CreatedAt           time.Time  `json:"created_at"`
	LastAuthAt          time.Time  `json:"last_auth_at"`
	RegisteredAt        *time.Time `json:"registered_at,omitempty"`
}

type exportBackupCodes struct {
	Issued    bool             `json:"issued"`
	IssuedAt  *time.Time       `json:"issued_at,omitempty"`
	Total     int              `json:"total"`
	Remaining int              `json:"remaining"`
	Slots     []exportCodeSlot `json:"slots"`
}

type exportCodeSlot struct {
	Slot        int        `json:"slot"`
	Consumed    bool       `json:"consumed"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	ConsumedFor string     `json:"consumed_for,omitempty"`
}

type exportMigration struct {
	ExternalProviderRef string    `json:"external_provider_ref"`
	Outcome             string    `json:"outcome"`
	AttemptedAt         time.Time `json:"attempted_at"`
}

// newExportDocument never carries secret key hashes, code hashes or plaintext codes.
func newExportDocument(identity users.Identity, summary backupcodes.Summary, records []users.MigrationRecord, exportedAt time.Time) exportDocument {
	progress := identity.Progress()
	document := exportDocument{
		ExportedAt: exportedAt,
		Identity: exportIdentity{
			ID:                  identity.ID,
			Handle:              identity.Handle,
			Kind:                string(identity.Kind),
			Role:                string(identity.Role),
			ExternalProviderRef: identity.ProviderRef(),
			Points:              progress.Points,
			Level:               progress.Level,
			SwitchCount:         progress.SwitchCount,
			CreatedAt:           identity.CreatedAt,
			LastAuthAt:          identity.LastAuthAt,
			RegisteredAt:        identity.RegisteredAt,
		},
		BackupCodes: exportBackupCodes{
			Issued:    summary.Issued,
			IssuedAt:  summary.IssuedAt,
			Total:     summary.Total,
			Remaining: summary.Remaining,
			Slots:     make([]exportCodeSlot, 0, len(summary.Slots)),
		},
		Migrations: make([]exportMigration, 0, len(records)),
	}
	for _, slot := range summary.Slots {
		document.BackupCodes.Slots = append(document.BackupCodes.Slots, exportCodeSlot{
			Slot:        slot.Slot,
			Consumed:    slot.Consumed,
			ConsumedAt:  slot.ConsumedAt,
			ConsumedFor: slot.ConsumedFor,
		})
	}
	for _, record := range records {
		document.Migrations = append(document.Migrations, exportMigration{
			ExternalProviderRef: record.ExternalProviderRef,
			Outcome:             string(record.Outcome),
			AttemptedAt:         record.AttemptedAt,
		})
	}
	return document
}
