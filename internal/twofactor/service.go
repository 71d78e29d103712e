// Package twofactor implements the TOTP enrollment lifecycle of an account:
// secret issuance, enabling after a verified code, disabling and backup code
// consumption.
package twofactor

import (
	"context"
	"errors"
	"log/slog"

	"apigate/internal/apperr"
	"apigate/internal/models"
	"apigate/internal/storage"
	"apigate/internal/totp"
)

// State is the enrollment state of an account.
type State string

const (
	StateDisabled     State = "disabled"
	StateSecretIssued State = "secret_issued"
	StateEnabled      State = "enabled"
)

const (
	MessageAlreadyEnabled = "2FA is already enabled for this account."
	MessageNotEnabled     = "2FA is not enabled for this account."
	MessageCodeRequired   = "Code is required"
	MessageSecretChanged  = "2FA secret changed. Please verify a code from the new secret."
)

// Store is the slice of the account store the service needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SetTwoFactorSecret(ctx context.Context, id, secret string) error
	EnableTwoFactor(ctx context.Context, id, secret string, backupCodeHashes []string) error
	DisableTwoFactor(ctx context.Context, id string) error
	RemoveBackupCode(ctx context.Context, id, hash string) (bool, error)
}

// SetupResult is returned once by Setup.
type SetupResult struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
}

// Service drives the enrollment state machine.
type Service struct {
	store  Store
	engine *totp.Engine
}

func NewService(store Store, engine *totp.Engine) *Service {
	return &Service{store: store, engine: engine}
}

// StateOf derives the enrollment state from the stored account.
func StateOf(a *models.Account) State {
	switch {
	case a.TwoFactorEnabled:
		return StateEnabled
	case a.TwoFactorSecret != "":
		return StateSecretIssued
	default:
		return StateDisabled
	}
}

// State loads the account and returns its enrollment state.
func (s *Service) State(ctx context.Context, accountID string) (State, error) {
	a, err := s.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	return StateOf(a), nil
}

// Setup issues a new secret. A pending secret that was never confirmed is
// replaced; an enabled account is refused.
func (s *Service) Setup(ctx context.Context, accountID string) (*SetupResult, error) {
	a, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if StateOf(a) == StateEnabled {
		return nil, apperr.NewInvalidStateError(MessageAlreadyEnabled)
	}

	secret, err := s.engine.GenerateSecret()
	if err != nil {
		return nil, apperr.NewInternalError("Failed to generate secret", err)
	}
	uri, err := s.engine.ProvisioningURI(a.Email, secret)
	if err != nil {
		return nil, apperr.NewInternalError("Failed to build provisioning URI", err)
	}
	qr, err := s.engine.QRCodeDataURI(uri)
	if err != nil {
		return nil, apperr.NewInternalError("Failed to render QR code", err)
	}

	if err := s.store.SetTwoFactorSecret(ctx, a.ID, secret); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.NewInvalidStateError(MessageAlreadyEnabled)
		}
		return nil, s.storeError(err)
	}

	slog.Info("Two-factor secret issued",
		"event", "security_audit",
		"action", "2fa_setup",
		"account_id", a.ID,
	)
	return &SetupResult{Secret: secret, ProvisioningURI: uri, QRCode: qr}, nil
}

// Enable verifies code against the pending secret and, on success, enables
// two-factor and returns the plaintext backup codes. They are not
// retrievable afterwards.
func (s *Service) Enable(ctx context.Context, accountID, code string) ([]string, error) {
	if code == "" {
		return nil, apperr.NewValidationError(MessageCodeRequired)
	}
	a, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	switch StateOf(a) {
	case StateDisabled:
		return nil, apperr.NewNoSecretError()
	case StateEnabled:
		return nil, apperr.NewInvalidStateError(MessageAlreadyEnabled)
	}

	if !s.engine.VerifyCode(a.TwoFactorSecret, code) {
		slog.Warn("Two-factor enable rejected",
			"event", "security_audit",
			"action", "2fa_enable_failed",
			"account_id", a.ID,
		)
		return nil, apperr.NewInvalidCodeError()
	}

	codes, err := s.engine.GenerateBackupCodes()
	if err != nil {
		return nil, apperr.NewInternalError("Failed to generate backup codes", err)
	}
	if err := s.store.EnableTwoFactor(ctx, a.ID, a.TwoFactorSecret, totp.HashBackupCodes(codes)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, s.enableConflict(ctx, a.ID)
		}
		return nil, s.storeError(err)
	}

	slog.Info("Two-factor enabled",
		"event", "security_audit",
		"action", "2fa_enable",
		"account_id", a.ID,
	)
	return codes, nil
}

// Disable turns two-factor off after checking a current TOTP code or an
// unused backup code.
func (s *Service) Disable(ctx context.Context, accountID, code string) error {
	if code == "" {
		return apperr.NewValidationError(MessageCodeRequired)
	}
	a, err := s.load(ctx, accountID)
	if err != nil {
		return err
	}
	if StateOf(a) != StateEnabled {
		return apperr.NewInvalidStateError(MessageNotEnabled)
	}

	if !s.engine.VerifyCode(a.TwoFactorSecret, code) && !totp.VerifyBackupCode(a.BackupCodeHashes, code) {
		slog.Warn("Two-factor disable rejected",
			"event", "security_audit",
			"action", "2fa_disable_failed",
			"account_id", a.ID,
		)
		return apperr.NewInvalidCodeError()
	}

	if err := s.store.DisableTwoFactor(ctx, a.ID); err != nil {
		return s.storeError(err)
	}

	slog.Info("Two-factor disabled",
		"event", "security_audit",
		"action", "2fa_disable",
		"account_id", a.ID,
	)
	return nil
}

// ConsumeBackupCode removes a matching backup code. It returns true at most
// once per code, even under concurrent calls.
func (s *Service) ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	if code == "" {
		return false, apperr.NewValidationError(MessageCodeRequired)
	}
	a, err := s.load(ctx, accountID)
	if err != nil {
		return false, err
	}
	if StateOf(a) != StateEnabled {
		return false, apperr.NewInvalidStateError(MessageNotEnabled)
	}

	removed, err := s.store.RemoveBackupCode(ctx, a.ID, totp.HashBackupCode(code))
	if err != nil {
		return false, s.storeError(err)
	}

	if removed {
		slog.Info("Backup code consumed",
			"event", "security_audit",
			"action", "2fa_backup_code_used",
			"account_id", a.ID,
			"remaining", max(len(a.BackupCodeHashes)-1, 0),
		)
	}
	return removed, nil
}

func (s *Service) load(ctx context.Context, accountID string) (*models.Account, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NewNotFoundError("Account not found", err)
		}
		return nil, s.storeError(err)
	}
	return a, nil
}

// enableConflict explains why the store refused to enable two-factor: the
// account was enabled meanwhile or its pending secret was replaced after the
// code was checked.
func (s *Service) enableConflict(ctx context.Context, accountID string) error {
	slog.Warn("Two-factor enable lost a race with a concurrent change",
		"event", "security_audit",
		"action", "2fa_enable_conflict",
		"account_id", accountID,
	)
	a, err := s.load(ctx, accountID)
	if err != nil {
		return err
	}
	if StateOf(a) == StateEnabled {
		return apperr.NewInvalidStateError(MessageAlreadyEnabled)
	}
	return apperr.NewInvalidStateError(MessageSecretChanged)
}

func (s *Service) storeError(err error) error {
	slog.Error("Two-factor store operation failed", "error", err)
	return apperr.NewStoreUnavailableError(err)
}
