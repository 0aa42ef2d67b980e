package authcore

import (
	"context"
	"errors"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/harborline/authcore/password"
	"github.com/harborline/authcore/rbac"
	"github.com/harborline/authcore/session"
	"github.com/harborline/authcore/store"
	"github.com/harborline/authcore/token"
	"github.com/harborline/authcore/twofactor"
)

// Engine sequences the authentication subsystems. Construct it with
// New().Build(); all methods are safe for concurrent use afterwards.
type Engine struct {
	cfg          Config
	dur          durations
	store        store.Client
	tokens       *token.Manager
	sessions     *session.Manager
	access       *rbac.Engine
	secondFactor *twofactor.Manager
	hasher       *password.Hasher
	policy       password.Policy
	users        *userStore
	resets       *resetStore
	redeemer     InvitationRedeemer
	metrics      *engineMetrics

	now func() time.Time
}

// Tokens exposes the token subsystem for middleware-style callers that
// only need verification.
func (e *Engine) Tokens() *token.Manager { return e.tokens }

// Access exposes the RBAC engine.
func (e *Engine) Access() *rbac.Engine { return e.access }

// Login authenticates credentials and either issues tokens or, when the
// user has two-factor enabled on an untrusted device, returns a pending
// response with a zeroed token pair. Unknown emails and wrong passwords
// fail with the same message.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if err := validateLogin(req); err != nil {
		return nil, err
	}

	user, err := e.users.byEmail(ctx, req.Email)
	if errors.Is(err, errUserNotFound) {
		e.metrics.logins.WithLabelValues(resultFailure).Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, internalError("login", err)
	}

	// The lockout window is checked before the password so a locked
	// account never leaks whether the password was right.
	if user.LockedUntil > e.now().Unix() {
		e.metrics.logins.WithLabelValues(resultLocked).Inc()
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		return nil, internalError("login", err)
	}
	if !ok {
		if err := e.users.recordFailedLogin(ctx, user, e.cfg.Lockout.Threshold, e.dur.lockout); err != nil {
			log.Print("authcore: failed-login bookkeeping failed")
		}
		e.metrics.logins.WithLabelValues(resultFailure).Inc()
		return nil, ErrInvalidCredentials
	}

	if err := e.users.clearLoginState(ctx, user.ID); err != nil {
		log.Print("authcore: login state reset failed")
	}

	teamID := req.TeamID
	if teamID == "" {
		teamID = user.TeamID
	}
	permissions, err := e.permissionSnapshot(ctx, user.ID, teamID)
	if err != nil {
		return nil, internalError("login", err)
	}

	device := session.DeviceInfo{
		Type: req.DeviceType, Name: req.DeviceName,
		OS: req.DeviceOS, Browser: req.Browser,
	}
	sess, err := e.sessions.CreateSession(ctx, user.ID, teamID, device, req.Origin, req.UserAgent, permissions)
	if err != nil {
		return nil, internalError("login", err)
	}

	if pending, methods := e.needsSecondFactor(ctx, user.ID, sess.DeviceID); pending {
		e.metrics.logins.WithLabelValues(resultTwoFactor).Inc()
		return &LoginResponse{
			UserID:            user.ID,
			SessionID:         sess.ID,
			RequiresTwoFactor: true,
			TwoFactorMethods:  methods,
		}, nil
	}

	pair, err := e.tokens.CreateTokens(ctx, token.Subject{UserID: user.ID, Email: user.Email},
		sess.ID, sess.DeviceID, teamID, permissions)
	if err != nil {
		return nil, internalError("login", err)
	}

	e.metrics.logins.WithLabelValues(resultSuccess).Inc()
	return &LoginResponse{
		UserID:      user.ID,
		SessionID:   sess.ID,
		Tokens:      pair,
		Permissions: permissions,
	}, nil
}

// needsSecondFactor reports whether login must pause for step-up, and
// which methods the user can present. Trust lookups fail closed into
// requiring the second factor.
func (e *Engine) needsSecondFactor(ctx context.Context, userID, deviceID string) (bool, []string) {
	if e.secondFactor == nil {
		return false, nil
	}
	enabled, err := e.secondFactor.IsEnabled(ctx, userID)
	if err != nil {
		log.Print("authcore: two-factor status lookup failed, requiring step-up")
		return true, []string{twofactor.MethodTOTP, twofactor.MethodBackup}
	}
	if !enabled {
		return false, nil
	}
	trusted, err := e.secondFactor.IsDeviceTrusted(ctx, userID, deviceID)
	if err != nil {
		log.Print("authcore: device trust lookup failed, requiring step-up")
		trusted = false
	}
	if trusted {
		return false, nil
	}
	return true, []string{twofactor.MethodTOTP, twofactor.MethodBackup}
}

func (e *Engine) permissionSnapshot(ctx context.Context, userID, teamID string) ([]string, error) {
	resolved, err := e.access.GetUserPermissions(ctx, userID, teamID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range resolved {
		for _, action := range p.Actions {
			out = append(out, p.Resource+":"+action)
		}
	}
	return out, nil
}

// Register creates an account, its lookup indices, a first session, and
// a token pair. Invitation redemption failures degrade to a team-less
// account; they never fail the registration.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if err := e.validateRegister(req); err != nil {
		return nil, err
	}

	taken, err := e.users.emailTaken(ctx, req.Email)
	if err != nil {
		return nil, internalError("register", err)
	}
	if taken {
		return nil, ErrEmailTaken
	}
	taken, err = e.users.usernameTaken(ctx, req.Username)
	if err != nil {
		return nil, internalError("register", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, internalError("register", err)
	}
	user, err := e.users.create(ctx, req.Email, req.Username, hash)
	if err != nil {
		return nil, internalError("register", err)
	}

	teamID := e.redeemInvitation(ctx, req.InvitationToken, user.ID)

	device := session.DeviceInfo{Type: req.DeviceType, Name: req.DeviceName}
	sess, err := e.sessions.CreateSession(ctx, user.ID, teamID, device, req.Origin, req.UserAgent, nil)
	if err != nil {
		return nil, internalError("register", err)
	}
	pair, err := e.tokens.CreateTokens(ctx, token.Subject{UserID: user.ID, Email: user.Email},
		sess.ID, sess.DeviceID, teamID, nil)
	if err != nil {
		return nil, internalError("register", err)
	}

	e.metrics.registrations.Inc()
	return &RegisterResponse{
		UserID:    user.ID,
		SessionID: sess.ID,
		TeamID:    teamID,
		Tokens:    pair,
	}, nil
}

// redeemInvitation consumes the invitation if one was supplied and a
// redeemer is wired. Any failure logs and returns "".
func (e *Engine) redeemInvitation(ctx context.Context, invitationToken, userID string) string {
	if invitationToken == "" || e.redeemer == nil {
		return ""
	}
	teamID, role, err := e.redeemer.Redeem(ctx, invitationToken, userID)
	if err != nil {
		log.Print("authcore: invitation redemption failed, registering without a team")
		return ""
	}
	if role == "" {
		role = e.cfg.Team.DefaultRole
	}
	if err := e.access.AssignRole(ctx, userID, teamID, role); err != nil {
		log.Print("authcore: invited role assignment failed")
	}
	if err := e.users.setTeam(ctx, userID, teamID); err != nil {
		log.Print("authcore: team membership write failed")
	}
	return teamID
}

// Verify2FA completes a pending second factor. The user id comes from
// the session record; the request only carries the session id, the code,
// and the method.
func (e *Engine) Verify2FA(ctx context.Context, req Verify2FARequest) (*Verify2FAResponse, error) {
	if e.secondFactor == nil {
		return nil, ErrTwoFactorFailed
	}

	sess, err := e.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, internalError("verify2fa", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	err = e.secondFactor.VerifyTwoFactor(ctx, twofactor.VerifyRequest{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Code:      req.Code,
		Method:    req.Method,
	})
	switch {
	case err == nil:
	case errors.Is(err, twofactor.ErrTooManyAttempts):
		e.metrics.twoFactorChecks.WithLabelValues(resultFailure).Inc()
		return nil, ErrTwoFactorRateLimited
	case errors.Is(err, twofactor.ErrCodeInvalid),
		errors.Is(err, twofactor.ErrMethodUnsupported),
		errors.Is(err, twofactor.ErrNotConfigured):
		e.metrics.twoFactorChecks.WithLabelValues(resultFailure).Inc()
		return nil, ErrTwoFactorFailed
	default:
		return nil, internalError("verify2fa", err)
	}

	if err := e.sessions.MarkTwoFactorVerified(ctx, sess.ID); err != nil {
		return nil, internalError("verify2fa", err)
	}
	if req.RememberDevice {
		if err := e.secondFactor.TrustDevice(ctx, sess.UserID, sess.DeviceID, req.DeviceName); err != nil {
			log.Print("authcore: device trust write failed")
		}
	}

	user, err := e.users.byID(ctx, sess.UserID)
	if err != nil {
		return nil, internalError("verify2fa", err)
	}
	pair, err := e.tokens.CreateTokens(ctx, token.Subject{UserID: user.ID, Email: user.Email},
		sess.ID, sess.DeviceID, sess.TeamID, sess.Permissions)
	if err != nil {
		return nil, internalError("verify2fa", err)
	}

	e.metrics.twoFactorChecks.WithLabelValues(resultSuccess).Inc()
	return &Verify2FAResponse{UserID: user.ID, Tokens: pair}, nil
}

// Logout ends a session and revokes its refresh tokens. Logging out of
// an unknown or already-ended session succeeds.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return internalError("logout", err)
	}
	if sess != nil {
		if _, err := e.tokens.RevokeSessionTokens(ctx, sess.UserID, sess.ID); err != nil {
			log.Print("authcore: refresh revocation on logout failed")
		}
	}
	if err := e.sessions.InvalidateSession(ctx, sessionID); err != nil {
		return internalError("logout", err)
	}
	e.metrics.sessionsEnded.Inc()
	return nil
}

// RefreshToken exchanges a refresh token for a fresh access token. The
// session must still be live; a revoked ledger entry or a dead session
// both fail the exchange.
func (e *Engine) RefreshToken(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := e.tokens.VerifyToken(ctx, refreshToken, token.TypeRefresh)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, internalError("refresh", err)
		}
		e.metrics.tokenRefreshes.WithLabelValues(resultFailure).Inc()
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, internalError("refresh", err)
	}
	if sess == nil {
		e.metrics.tokenRefreshes.WithLabelValues(resultFailure).Inc()
		return nil, ErrSessionNotFound
	}

	pair, err := e.tokens.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return nil, internalError("refresh", err)
		}
		e.metrics.tokenRefreshes.WithLabelValues(resultFailure).Inc()
		return nil, ErrTokenInvalid
	}

	e.metrics.tokenRefreshes.WithLabelValues(resultSuccess).Inc()
	return &pair, nil
}

func validateLogin(req LoginRequest) error {
	var fields []FieldError
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields = append(fields, FieldError{Field: "email", Message: "invalid email address"})
	}
	if req.Password == "" {
		fields = append(fields, FieldError{Field: "password", Message: "password is required"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (e *Engine) validateRegister(req RegisterRequest) error {
	var fields []FieldError
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields = append(fields, FieldError{Field: "email", Message: "invalid email address"})
	}
	if name := strings.TrimSpace(req.Username); len(name) < 3 {
		fields = append(fields, FieldError{Field: "username", Message: "username must be at least 3 characters"})
	}
	for _, violation := range e.policy.Check(req.Password) {
		fields = append(fields, FieldError{Field: "password", Message: violation})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
