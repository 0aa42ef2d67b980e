package authcore

import (
	"context"
	"errors"

	"github.com/harborline/authcore/twofactor"
)

// ErrTwoFactorDisabled is returned by the two-factor operations when the
// feature is switched off in configuration.
var ErrTwoFactorDisabled = &AuthenticationError{
	Code: "two_factor_disabled", Message: "two-factor is disabled", Status: 400,
}

// SetupTwoFactor begins enrollment for a user: it returns the TOTP
// secret, a provisioning URI, and the plaintext backup codes exactly
// once. Enrollment stays pending until EnableTwoFactor.
func (e *Engine) SetupTwoFactor(ctx context.Context, userID string) (*twofactor.Setup, error) {
	if e.secondFactor == nil {
		return nil, ErrTwoFactorDisabled
	}
	user, err := e.users.byID(ctx, userID)
	if errors.Is(err, errUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, internalError("two-factor setup", err)
	}

	setup, err := e.secondFactor.SetupTwoFactor(ctx, userID, user.Email)
	if errors.Is(err, twofactor.ErrAlreadyEnabled) {
		return nil, validationError("twoFactor", "two-factor is already enabled")
	}
	if err != nil {
		return nil, internalError("two-factor setup", err)
	}
	return setup, nil
}

// EnableTwoFactor activates a pending enrollment with a current code.
func (e *Engine) EnableTwoFactor(ctx context.Context, userID, code string) error {
	if e.secondFactor == nil {
		return ErrTwoFactorDisabled
	}
	err := e.secondFactor.EnableTwoFactor(ctx, userID, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, twofactor.ErrCodeInvalid):
		return ErrTwoFactorFailed
	case errors.Is(err, twofactor.ErrNotConfigured):
		return validationError("twoFactor", "no pending enrollment")
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return validationError("twoFactor", "two-factor is already enabled")
	default:
		return internalError("two-factor enable", err)
	}
}

// DisableTwoFactor turns off two-factor after re-proving the password,
// removing backup codes and all trusted devices with it.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID, currentPassword string) error {
	if e.secondFactor == nil {
		return ErrTwoFactorDisabled
	}
	user, err := e.users.byID(ctx, userID)
	if errors.Is(err, errUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return internalError("two-factor disable", err)
	}
	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return internalError("two-factor disable", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if err := e.secondFactor.DisableTwoFactor(ctx, userID); err != nil {
		return internalError("two-factor disable", err)
	}
	return nil
}

// RegenerateBackupCodes replaces the user's backup codes and returns the
// new plaintext set exactly once.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e.secondFactor == nil {
		return nil, ErrTwoFactorDisabled
	}
	codes, err := e.secondFactor.RegenerateBackupCodes(ctx, userID)
	if errors.Is(err, twofactor.ErrNotConfigured) {
		return nil, validationError("twoFactor", "two-factor is not enabled")
	}
	if err != nil {
		return nil, internalError("backup code regeneration", err)
	}
	return codes, nil
}

// GetTwoFactorStatus reports the user's two-factor state.
func (e *Engine) GetTwoFactorStatus(ctx context.Context, userID string) (twofactor.Status, error) {
	if e.secondFactor == nil {
		return twofactor.Status{}, nil
	}
	status, err := e.secondFactor.GetTwoFactorStatus(ctx, userID)
	if err != nil {
		return twofactor.Status{}, internalError("two-factor status", err)
	}
	return status, nil
}
