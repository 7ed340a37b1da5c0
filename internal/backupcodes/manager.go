package backupcodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/switchtrack/internal/secrets"
	"github.com/MarcoPoloResearchLab/switchtrack/internal/users"
	"go.uber.org/zap"
)

const (
	opGenerateBatch = "backupcodes.generate_batch"
	opVerify        = "backupcodes.verify"
	opStatus        = "backupcodes.status"
)

var (
	errMissingStore      = errors.New("backupcodes: store required")
	errMissingHasher     = errors.New("backupcodes: hasher required")
	errMissingGenerator  = errors.New("backupcodes: generator required")
	errMissingIDProvider = errors.New("backupcodes: id provider required")
)

// Hasher is the slow one-way hash applied to every code before it is stored.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) bool
}

// CodeGenerator draws distinct plaintext codes.
type CodeGenerator interface {
	BackupCodes(n int) ([]string, error)
}

// ManagerConfig describes the dependencies of the backup code lifecycle.
type ManagerConfig struct {
	Store      *users.Store
	Hasher     Hasher
	Generator  CodeGenerator
	IDProvider users.IDProvider
	// RetainDisplayCodes keeps the plaintext of each code so Status can show it again.
	RetainDisplayCodes bool
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Manager issues the one backup code batch of an identity and spends codes on sensitive actions.
type Manager struct {
	store         *users.Store
	hasher        Hasher
	generator     CodeGenerator
	idProvider    users.IDProvider
	retainDisplay bool
	now           func() time.Time
	logger        *zap.Logger
}

// NewManager validates the configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Hasher == nil:
		return nil, errMissingHasher
	case cfg.Generator == nil:
		return nil, errMissingGenerator
	case cfg.IDProvider == nil:
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:         cfg.Store,
		hasher:        cfg.Hasher,
		generator:     cfg.Generator,
		idProvider:    cfg.IDProvider,
		retainDisplay: cfg.RetainDisplayCodes,
		now:           clock,
		logger:        logger,
	}, nil
}

// GenerateBatch issues the identity's single batch of backup codes and returns the plaintext
// codes. Only the first call for an identity succeeds; later or concurrent losers get
// ErrBatchAlreadyExists and nothing is written on their behalf.
func (m *Manager) GenerateBatch(ctx context.Context, identityID string) ([]string, error) {
	identity, err := m.store.IdentityByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.BackupCodesIssuedAt != nil {
		return nil, users.NewError(users.KindBatchAlreadyExists, opGenerateBatch, nil)
	}

	plaintext, err := m.generator.BackupCodes(secrets.BatchSize)
	if err != nil {
		m.logError(opGenerateBatch, "code_generation_failed", err, zap.String("identity_id", identityID))
		return nil, fmt.Errorf("%s: %w", opGenerateBatch, err)
	}

	issuedAt := m.now().UTC()
	rows := make([]users.BackupCode, 0, len(plaintext))
	for slot, code := range plaintext {
		codeHash, err := m.hasher.Hash(code)
		if err != nil {
			m.logError(opGenerateBatch, "code_hash_failed", err, zap.String("identity_id", identityID))
			return nil, fmt.Errorf("%s: %w", opGenerateBatch, err)
		}
		codeID, err := m.idProvider.NewID()
		if err != nil {
			m.logError(opGenerateBatch, "id_generation_failed", err)
			return nil, fmt.Errorf("%s: %w", opGenerateBatch, err)
		}
		row := users.BackupCode{
			ID:         codeID,
			IdentityID: identity.ID,
			Slot:       slot,
			CodeHash:   codeHash,
			CreatedAt:  issuedAt,
		}
		if m.retainDisplay {
			row.DisplayCode = code
		}
		rows = append(rows, row)
	}

	if err := m.store.IssueBackupCodes(ctx, identity.ID, rows, issuedAt); err != nil {
		if users.KindOf(err) == users.KindStoreUnavailable {
			m.logError(opGenerateBatch, "batch_insert_failed", err, zap.String("identity_id", identityID))
		}
		return nil, err
	}

	m.logger.Info("backup codes issued", zap.String("identity_id", identity.ID), zap.Int("count", len(rows)))
	return plaintext, nil
}

// Verify spends one unconsumed backup code on action. A wrong code, an already consumed code and a
// lost consumption race all return ErrInvalidBackupCode.
func (m *Manager) Verify(ctx context.Context, identityID, code string, action Action) error {
	if !action.Valid() {
		return users.NewError(users.KindInvalidAction, opVerify, fmt.Errorf("unknown action %q", action))
	}
	normalized := secrets.NormalizeBackupCode(code)
	if len(normalized) != secrets.BackupCodeLength {
		return users.NewError(users.KindInvalidBackupCode, opVerify, nil)
	}

	candidates, err := m.store.UnconsumedBackupCodes(ctx, identityID)
	if err != nil {
		m.logError(opVerify, "code_lookup_failed", err, zap.String("identity_id", identityID))
		return err
	}

	for _, candidate := range candidates {
		if !m.hasher.Verify(normalized, candidate.CodeHash) {
			continue
		}
		consumed, err := m.store.ConsumeBackupCode(ctx, candidate.ID, string(action), m.now().UTC())
		if err != nil {
			m.logError(opVerify, "code_consume_failed", err, zap.String("identity_id", identityID))
			return err
		}
		if !consumed {
			return users.NewError(users.KindInvalidBackupCode, opVerify, nil)
		}
		m.logger.Info("backup code consumed",
			zap.String("identity_id", identityID),
			zap.Int("slot", candidate.Slot),
			zap.String("action", string(action)),
		)
		return nil
	}
	return users.NewError(users.KindInvalidBackupCode, opVerify, nil)
}

// SlotStatus describes one code of the batch without exposing its hash.
type SlotStatus struct {
	Slot        int        `json:"slot"`
	Consumed    bool       `json:"consumed"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	ConsumedFor string     `json:"consumed_for,omitempty"`
	DisplayCode string     `json:"display_code,omitempty"`
}

// Summary reports the state of an identity's backup code batch.
type Summary struct {
	Issued    bool         `json:"issued"`
	IssuedAt  *time.Time   `json:"issued_at,omitempty"`
	Total     int          `json:"total"`
	Remaining int          `json:"remaining"`
	Slots     []SlotStatus `json:"slots"`
}

// Status summarizes the batch. Plaintext codes appear only when retention is enabled.
func (m *Manager) Status(ctx context.Context, identityID string) (Summary, error) {
	identity, err := m.store.IdentityByID(ctx, identityID)
	if err != nil {
		return Summary{}, err
	}
	codes, err := m.store.BackupCodes(ctx, identity.ID)
	if err != nil {
		m.logError(opStatus, "code_lookup_failed", err, zap.String("identity_id", identityID))
		return Summary{}, err
	}

	summary := Summary{
		Issued:   identity.BackupCodesIssuedAt != nil,
		IssuedAt: identity.BackupCodesIssuedAt,
		Total:    len(codes),
		Slots:    make([]SlotStatus, 0, len(codes)),
	}
	for _, code := range codes {
		slot := SlotStatus{
			Slot:        code.Slot,
			Consumed:    code.Consumed,
			ConsumedAt:  code.ConsumedAt,
			ConsumedFor: code.ConsumedFor,
		}
		if m.retainDisplay && !code.Consumed {
			slot.DisplayCode = code.DisplayCode
		}
		if !code.Consumed {
			summary.Remaining++
		}
		summary.Slots = append(summary.Slots, slot)
	}
	return summary, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("backup code manager error", attrs...)
}
