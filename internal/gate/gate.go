package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/backupcodes"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"go.uber.org/zap"
)

const (
	opExportData    = "gate.export_data"
	opDeleteAccount = "gate.delete_account"

	exportContentType = "application/json"
)

var (
	errMissingStore = errors.New("gate: store required")
	errMissingCodes = errors.New("gate: backup code manager required")
)

// CodeManager verifies backup codes and reports batch status.
type CodeManager interface {
	Verify(ctx context.Context, identityID, code string, action backupcodes.Action) error
	Status(ctx context.Context, identityID string) (backupcodes.Summary, error)
}

// Config describes the dependencies of the sensitive action gate.
type Config struct {
	Store  *users.Store
	Codes  CodeManager
	Clock  func() time.Time
	Logger *zap.Logger
}

// Gate runs data export and account deletion only after a backup code has been spent on them.
type Gate struct {
	store  *users.Store
	codes  CodeManager
	now    func() time.Time
	logger *zap.Logger
}

// ExportFile is a downloadable export of an identity's data.
type ExportFile struct {
	FileName    string
	ContentType string
	Body        []byte
}

// New validates the configuration.
func New(cfg Config) (*Gate, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Codes == nil {
		return nil, errMissingCodes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: cfg.Store, codes: cfg.Codes, now: clock, logger: logger}, nil
}

// ExportData spends backupCode on export_data and returns the identity's data as JSON.
// Nothing is read when verification fails.
func (g *Gate) ExportData(ctx context.Context, identityID, backupCode string) (ExportFile, error) {
	if err := g.codes.Verify(ctx, identityID, backupCode, backupcodes.ActionExportData); err != nil {
		g.logDenied(opExportData, identityID, err)
		return ExportFile{}, err
	}

	identity, err := g.store.IdentityByID(ctx, identityID)
	if err != nil {
		return ExportFile{}, err
	}
	summary, err := g.codes.Status(ctx, identityID)
	if err != nil {
		return ExportFile{}, err
	}
	records, err := g.store.MigrationRecords(ctx, identityID)
	if err != nil {
		return ExportFile{}, err
	}

	exportedAt := g.now().UTC()
	body, err := json.MarshalIndent(newExportDocument(identity, summary, records, exportedAt), "", "  ")
	if err != nil {
		g.logger.Error("export encoding failed",
			zap.String("operation", opExportData),
			zap.String("identity_id", identityID),
			zap.Error(err),
		)
		return ExportFile{}, fmt.Errorf("%s: %w", opExportData, err)
	}

	g.logger.Info("identity data exported", zap.String("identity_id", identityID))
	return ExportFile{
		FileName:    fmt.Sprintf("switchtrack-export-%s-%s.json", identity.Handle, exportedAt.Format("20060102T150405Z")),
		ContentType: exportContentType,
		Body:        body,
	}, nil
}

// DeleteAccount spends backupCode on delete_account and then removes the identity with its backup
// codes and migration history.
func (g *Gate) DeleteAccount(ctx context.Context, identityID, backupCode string) error {
	if err := g.codes.Verify(ctx, identityID, backupCode, backupcodes.ActionDeleteAccount); err != nil {
		g.logDenied(opDeleteAccount, identityID, err)
		return err
	}
	if err := g.store.DeleteIdentity(ctx, identityID); err != nil {
		g.logger.Error("account deletion failed",
			zap.String("operation", opDeleteAccount),
			zap.String("identity_id", identityID),
			zap.Error(err),
		)
		return err
	}
	g.logger.Info("identity deleted", zap.String("identity_id", identityID))
	return nil
}

func (g *Gate) logDenied(operation, identityID string, err error) {
	g.logger.Warn("sensitive action denied",
		zap.String("operation", operation),
		zap.String("identity_id", identityID),
		zap.String("reason", string(users.KindOf(err))),
	)
}
