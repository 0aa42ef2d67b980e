package authcore

import (
	"context"

	"github.com/harborline/authcore/session"
	"github.com/harborline/authcore/token"
)

// User is the stored account record. PasswordHash is the PHC-encoded
// argon2id digest; it never leaves the engine.
type User struct {
	ID                string
	Email             string
	Username          string
	PasswordHash      string
	TeamID            string
	LoginAttempts     int
	LockedUntil       int64
	PasswordChangedAt int64
	CreatedAt         int64
}

// LoginRequest carries one login attempt. Device metadata feeds the
// session fingerprint and trusted-device checks.
type LoginRequest struct {
	Email      string
	Password   string
	TeamID     string
	DeviceType string
	DeviceName string
	DeviceOS   string
	Browser    string
	Origin     string
	UserAgent  string
}

// LoginResponse is the outcome of a successful credential check. When
// RequiresTwoFactor is set the token pair is zeroed and the caller must
// complete Verify2FA with the returned session id before any credential
// is issued.
type LoginResponse struct {
	UserID            string     `json:"userId"`
	SessionID         string     `json:"sessionId"`
	Tokens            token.Pair `json:"tokens"`
	RequiresTwoFactor bool       `json:"requiresTwoFactor"`
	TwoFactorMethods  []string   `json:"twoFactorMethods,omitempty"`
	Permissions       []string   `json:"permissions,omitempty"`
}

// RegisterRequest carries a new account application.
type RegisterRequest struct {
	Email           string
	Username        string
	Password        string
	InvitationToken string
	DeviceType      string
	DeviceName      string
	Origin          string
	UserAgent       string
}

// RegisterResponse mirrors the non-2FA login response for a fresh
// account.
type RegisterResponse struct {
	UserID    string     `json:"userId"`
	SessionID string     `json:"sessionId"`
	TeamID    string     `json:"teamId,omitempty"`
	Tokens    token.Pair `json:"tokens"`
}

// Verify2FARequest completes a pending second factor. The user is
// resolved from the session record, never from the request.
type Verify2FARequest struct {
	SessionID      string
	Code           string
	Method         string
	RememberDevice bool
	DeviceName     string
}

// Verify2FAResponse carries the credentials issued after step-up.
type Verify2FAResponse struct {
	UserID string     `json:"userId"`
	Tokens token.Pair `json:"tokens"`
}

// SessionView is the caller-facing projection of an active session.
type SessionView struct {
	ID           string             `json:"id"`
	Device       session.DeviceInfo `json:"device"`
	Origin       string             `json:"origin"`
	Current      bool               `json:"current"`
	LastActivity int64              `json:"lastActivity"`
	CreatedAt    int64              `json:"createdAt"`
}

// InvitationRedeemer consumes team-invitation tokens during
// registration. The team service implements it; a nil redeemer or a
// redeem failure degrades registration to a team-less account.
type InvitationRedeemer interface {
	// Redeem consumes the invitation and returns the team id and role
	// it grants.
	Redeem(ctx context.Context, invitationToken, userID string) (teamID, role string, err error)
}

// MaintenanceReport summarizes one RunMaintenance sweep.
type MaintenanceReport struct {
	ExpiredTokensRemoved int
	ExpiredSessionsEnded int
}
