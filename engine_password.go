package authcore

import (
	"context"
	"errors"
	"log"
	"net/mail"
)

// ChangePassword re-proves the current password, enforces policy and
// reuse prevention, swaps the hash, and revokes every refresh token
// except the current session's.
func (e *Engine) ChangePassword(ctx context.Context, userID, sessionID, currentPassword, newPassword string) error {
	user, err := e.users.byID(ctx, userID)
	if errors.Is(err, errUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return internalError("change password", err)
	}

	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return internalError("change password", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := e.checkNewPassword(ctx, user, newPassword); err != nil {
		return err
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return internalError("change password", err)
	}
	if err := e.users.setPassword(ctx, user, hash, e.cfg.Password.HistorySize); err != nil {
		return internalError("change password", err)
	}

	// Other sessions lose their refresh capability; the session that
	// proved the old password stays live.
	if _, err := e.tokens.RevokeAllRefreshTokens(ctx, userID, sessionID); err != nil {
		log.Print("authcore: refresh revocation after password change failed")
	}
	if _, err := e.sessions.InvalidateAllUserSessions(ctx, userID, sessionID, ""); err != nil {
		log.Print("authcore: session invalidation after password change failed")
	}
	return nil
}

// checkNewPassword applies the policy and the reuse-prevention history.
func (e *Engine) checkNewPassword(ctx context.Context, user *User, newPassword string) error {
	var fields []FieldError
	for _, violation := range e.policy.Check(newPassword) {
		fields = append(fields, FieldError{Field: "newPassword", Message: violation})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	candidates := []string{user.PasswordHash}
	history, err := e.users.passwordHistory(ctx, user.ID, e.cfg.Password.HistorySize)
	if err != nil {
		return internalError("change password", err)
	}
	candidates = append(candidates, history...)
	for _, encoded := range candidates {
		same, err := e.hasher.Verify(newPassword, encoded)
		if err != nil {
			continue
		}
		if same {
			return validationError("newPassword", "password was used recently")
		}
	}
	return nil
}

// RequestPasswordReset mints a reset token for the account. The response
// is identical for unknown and known emails; the token reaches the user
// out of band. The raw token is returned to the caller for delivery and
// is never stored.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return "", validationError("email", "invalid email address")
	}

	user, err := e.users.byEmail(ctx, email)
	if errors.Is(err, errUserNotFound) {
		// Same shape as the known-account path.
		return "", nil
	}
	if err != nil {
		return "", internalError("password reset request", err)
	}

	raw, err := e.resets.issue(ctx, user.ID)
	if err != nil {
		return "", internalError("password reset request", err)
	}
	return raw, nil
}

// ResetPassword consumes a reset token, sets the new password, and
// invalidates every session and refresh token the user holds. The token
// is consumed only once the new password clears validation; a rejected
// attempt leaves it usable for a retry.
func (e *Engine) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	userID, err := e.resets.resolve(ctx, rawToken)
	if err != nil {
		return internalError("password reset", err)
	}
	if userID == "" {
		return ErrResetTokenInvalid
	}

	user, err := e.users.byID(ctx, userID)
	if err != nil {
		return internalError("password reset", err)
	}
	if err := e.checkNewPassword(ctx, user, newPassword); err != nil {
		return err
	}

	// The atomic consume settles a race between two accepted attempts:
	// only the one that deletes the token proceeds to the write.
	userID, err = e.resets.consume(ctx, rawToken)
	if err != nil {
		return internalError("password reset", err)
	}
	if userID == "" {
		return ErrResetTokenInvalid
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return internalError("password reset", err)
	}
	if err := e.users.setPassword(ctx, user, hash, e.cfg.Password.HistorySize); err != nil {
		return internalError("password reset", err)
	}
	if err := e.users.clearLoginState(ctx, userID); err != nil {
		log.Print("authcore: login state reset failed")
	}

	// A reset must leave no prior session or refresh token valid.
	if _, err := e.tokens.RevokeAllRefreshTokens(ctx, userID, ""); err != nil {
		return internalError("password reset", err)
	}
	if _, err := e.sessions.InvalidateAllUserSessions(ctx, userID, "", ""); err != nil {
		return internalError("password reset", err)
	}

	e.metrics.passwordResets.Inc()
	return nil
}
