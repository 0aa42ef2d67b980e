package authcore

import (
	"context"
	"log"
)

// GetActiveSessions lists the user's live sessions, most recently active
// first, marking which one issued the call.
func (e *Engine) GetActiveSessions(ctx context.Context, userID, currentSessionID string) ([]SessionView, error) {
	sessions, err := e.sessions.GetUserSessions(ctx, userID)
	if err != nil {
		return nil, internalError("list sessions", err)
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:           s.ID,
			Device:       s.Device,
			Origin:       s.Origin,
			Current:      s.ID == currentSessionID,
			LastActivity: s.LastActivity,
			CreatedAt:    s.CreatedAt,
		})
	}
	return views, nil
}

// TerminateSession ends one of the user's sessions and revokes its
// refresh tokens. Terminating a session that is already gone succeeds.
func (e *Engine) TerminateSession(ctx context.Context, userID, sessionID string) error {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return internalError("terminate session", err)
	}
	if sess == nil {
		return nil
	}
	if sess.UserID != userID {
		return ErrPermissionDenied
	}

	if _, err := e.tokens.RevokeSessionTokens(ctx, userID, sessionID); err != nil {
		log.Print("authcore: refresh revocation on termination failed")
	}
	if err := e.sessions.InvalidateSession(ctx, sessionID); err != nil {
		return internalError("terminate session", err)
	}
	e.metrics.sessionsEnded.Inc()
	return nil
}

// TerminateAllSessions ends every session of the user except the one
// making the call, revoking the matching refresh tokens. Returns how
// many sessions were ended.
func (e *Engine) TerminateAllSessions(ctx context.Context, userID, exceptSessionID string) (int, error) {
	if _, err := e.tokens.RevokeAllRefreshTokens(ctx, userID, exceptSessionID); err != nil {
		return 0, internalError("terminate sessions", err)
	}
	n, err := e.sessions.InvalidateAllUserSessions(ctx, userID, exceptSessionID, "")
	if err != nil {
		return n, internalError("terminate sessions", err)
	}
	e.metrics.sessionsEnded.Add(float64(n))
	return n, nil
}

// RunMaintenance sweeps expired refresh records and expired sessions.
// Both sweeps honor ctx cancellation and are idempotent; a partial run
// only leaves some expired rows for the next pass.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var err error

	report.ExpiredTokensRemoved, err = e.tokens.CleanupExpiredTokens(ctx)
	if err != nil {
		return report, internalError("maintenance", err)
	}
	report.ExpiredSessionsEnded, err = e.sessions.CleanupExpiredSessions(ctx)
	if err != nil {
		return report, internalError("maintenance", err)
	}
	return report, nil
}
