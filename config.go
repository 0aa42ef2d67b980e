package authcore

import (
	"fmt"
	"time"

	"github.com/harborline/authcore/internal"
)

// Config is the full engine configuration surface. Duration fields are
// compact strings ("30s", "15m", "1h", "7d", "4w"); Validate parses them
// and rejects the configuration before the engine is built, never at
// request time.
type Config struct {
	JWT       JWTConfig       `yaml:"jwt"`
	Session   SessionConfig   `yaml:"session"`
	Password  PasswordConfig  `yaml:"password"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	TwoFactor TwoFactorConfig `yaml:"two_factor"`
	Team      TeamConfig      `yaml:"team"`
}

// JWTConfig controls token issuance and signing-key rotation.
type JWTConfig struct {
	Algorithm        string `yaml:"algorithm"`
	Secret           string `yaml:"secret"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	AccessTokenTTL   string `yaml:"access_token_ttl"`
	RefreshTokenTTL  string `yaml:"refresh_token_ttl"`
	RotationInterval string `yaml:"rotation_interval"`
	RetirementGrace  string `yaml:"retirement_grace"`
}

// SessionConfig controls session lifetime and concurrency.
type SessionConfig struct {
	TTL             string `yaml:"ttl"`
	MaxSessions     int    `yaml:"max_sessions"`
	Rolling         bool   `yaml:"rolling"`
	ActivityLogSize int    `yaml:"activity_log_size"`
}

// PasswordConfig is the password policy surface.
type PasswordConfig struct {
	MinLength        int    `yaml:"min_length"`
	RequireUppercase bool   `yaml:"require_uppercase"`
	RequireLowercase bool   `yaml:"require_lowercase"`
	RequireNumber    bool   `yaml:"require_number"`
	RequireSymbol    bool   `yaml:"require_symbol"`
	HistorySize      int    `yaml:"history_size"`
	MaxAge           string `yaml:"max_age"`
	ResetTokenTTL    string `yaml:"reset_token_ttl"`
}

// LockoutConfig controls the failed-login lockout window.
type LockoutConfig struct {
	Threshold int    `yaml:"threshold"`
	Duration  string `yaml:"duration"`
}

// TwoFactorConfig controls second-factor behavior.
type TwoFactorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Issuer        string `yaml:"issuer"`
	CodeWindow    uint   `yaml:"code_window"`
	BackupCodes   int    `yaml:"backup_codes"`
	AttemptLimit  int    `yaml:"attempt_limit"`
	AttemptWindow string `yaml:"attempt_window"`
	TrustTTL      string `yaml:"trust_ttl"`
}

// TeamConfig holds team defaults consumed at registration time.
type TeamConfig struct {
	MaxSize         int    `yaml:"max_size"`
	InvitationTTL   string `yaml:"invitation_ttl"`
	DefaultRole     string `yaml:"default_role"`
	RequireApproval bool   `yaml:"require_approval"`
}

// DefaultConfig returns the configuration the engine starts from.
// Callers overlay their own values and must still set JWT.Secret.
func DefaultConfig() Config { return defaultConfig() }

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Algorithm:        "hs256",
			Issuer:           "authcore",
			Audience:         "authcore-clients",
			AccessTokenTTL:   "15m",
			RefreshTokenTTL:  "7d",
			RotationInterval: "30d",
			RetirementGrace:  "7d",
		},
		Session: SessionConfig{
			TTL:             "24h",
			MaxSessions:     5,
			Rolling:         true,
			ActivityLogSize: 50,
		},
		Password: PasswordConfig{
			MinLength:        8,
			RequireUppercase: true,
			RequireLowercase: true,
			RequireNumber:    true,
			HistorySize:      3,
			ResetTokenTTL:    "1h",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  "15m",
		},
		TwoFactor: TwoFactorConfig{
			Enabled:       true,
			Issuer:        "authcore",
			CodeWindow:    1,
			BackupCodes:   10,
			AttemptLimit:  5,
			AttemptWindow: "15m",
			TrustTTL:      "30d",
		},
		Team: TeamConfig{
			MaxSize:       25,
			InvitationTTL: "7d",
			DefaultRole:   "developer",
		},
	}
}

// durations is the parsed view of every compact-duration field, resolved
// once by Validate.
type durations struct {
	accessTTL        time.Duration
	refreshTTL       time.Duration
	rotationInterval time.Duration
	retirementGrace  time.Duration
	sessionTTL       time.Duration
	passwordMaxAge   time.Duration
	resetTokenTTL    time.Duration
	lockout          time.Duration
	tfaAttemptWindow time.Duration
	tfaTrustTTL      time.Duration
	invitationTTL    time.Duration
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := internal.ParseCompactDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config %s: must be positive", field)
	}
	return d, nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return parseDuration(field, value)
}

// Validate checks the configuration and resolves every duration string.
// It returns the first problem found.
func (c Config) Validate() (durations, error) {
	var d durations
	var err error

	switch c.JWT.Algorithm {
	case "hs256":
		if len(c.JWT.Secret) < 32 {
			return d, fmt.Errorf("config jwt.secret: hs256 requires at least 32 bytes")
		}
	case "ed25519":
	default:
		return d, fmt.Errorf("config jwt.algorithm: unsupported %q", c.JWT.Algorithm)
	}
	if c.JWT.Issuer == "" {
		return d, fmt.Errorf("config jwt.issuer: required")
	}

	if d.accessTTL, err = parseDuration("jwt.access_token_ttl", c.JWT.AccessTokenTTL); err != nil {
		return d, err
	}
	if d.refreshTTL, err = parseDuration("jwt.refresh_token_ttl", c.JWT.RefreshTokenTTL); err != nil {
		return d, err
	}
	if d.rotationInterval, err = parseDuration("jwt.rotation_interval", c.JWT.RotationInterval); err != nil {
		return d, err
	}
	if d.retirementGrace, err = parseDuration("jwt.retirement_grace", c.JWT.RetirementGrace); err != nil {
		return d, err
	}
	if d.accessTTL >= d.refreshTTL {
		return d, fmt.Errorf("config jwt: access_token_ttl must be shorter than refresh_token_ttl")
	}

	if d.sessionTTL, err = parseDuration("session.ttl", c.Session.TTL); err != nil {
		return d, err
	}
	if c.Session.MaxSessions < 0 {
		return d, fmt.Errorf("config session.max_sessions: must be >= 0")
	}

	if c.Password.MinLength < 1 {
		return d, fmt.Errorf("config password.min_length: must be >= 1")
	}
	if d.passwordMaxAge, err = parseOptionalDuration("password.max_age", c.Password.MaxAge); err != nil {
		return d, err
	}
	if d.resetTokenTTL, err = parseDuration("password.reset_token_ttl", c.Password.ResetTokenTTL); err != nil {
		return d, err
	}

	if c.Lockout.Threshold < 1 {
		return d, fmt.Errorf("config lockout.threshold: must be >= 1")
	}
	if d.lockout, err = parseDuration("lockout.duration", c.Lockout.Duration); err != nil {
		return d, err
	}

	if c.TwoFactor.Enabled {
		if d.tfaAttemptWindow, err = parseDuration("two_factor.attempt_window", c.TwoFactor.AttemptWindow); err != nil {
			return d, err
		}
		if d.tfaTrustTTL, err = parseDuration("two_factor.trust_ttl", c.TwoFactor.TrustTTL); err != nil {
			return d, err
		}
	}

	if d.invitationTTL, err = parseOptionalDuration("team.invitation_ttl", c.Team.InvitationTTL); err != nil {
		return d, err
	}

	return d, nil
}
