// Package twofactor manages TOTP enrollment, second-factor verification
// with backup codes, and time-bounded device trust.
package twofactor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/harborline/authcore/internal"
	"github.com/harborline/authcore/store"
)

var (
	// ErrNotConfigured is returned when the user has no two-factor
	// record, or has one that was never enabled.
	ErrNotConfigured = errors.New("two-factor not configured")
	// ErrAlreadyEnabled is returned by SetupTwoFactor when two-factor is
	// already active; disable it first to re-enroll.
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrCodeInvalid covers a wrong TOTP code and an unknown or
	// already-consumed backup code alike.
	ErrCodeInvalid = errors.New("invalid verification code")
	// ErrMethodUnsupported is returned for verification methods the
	// manager does not implement, distinct from a wrong code.
	ErrMethodUnsupported = errors.New("unsupported verification method")
	// ErrTooManyAttempts is the sentinel wrapped by RateLimitedError.
	ErrTooManyAttempts = errors.New("too many verification attempts")
)

// RateLimitedError reports that verification is temporarily blocked.
// errors.Is(err, ErrTooManyAttempts) matches it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many verification attempts, retry in %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrTooManyAttempts }

// Verification methods.
const (
	MethodTOTP   = "totp"
	MethodBackup = "backup"
	MethodSMS    = "sms"
)

const (
	recordPrefix  = "atfa:"
	backupPrefix  = "atfab:"
	devicePrefix  = "atfad:"
	attemptPrefix = "atfarl:"
)

// Config for the Manager.
type Config struct {
	// Issuer names the service in provisioning URIs.
	Issuer string
	// CodeWindow is the accepted clock drift in 30 second TOTP steps.
	CodeWindow uint
	// BackupCodes is how many codes Setup and Regenerate mint.
	BackupCodes int
	// AttemptLimit bounds verification attempts per session within
	// AttemptWindow.
	AttemptLimit  int
	AttemptWindow time.Duration
	// TrustTTL is the device trust horizon.
	TrustTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "authcore"
	}
	if c.BackupCodes <= 0 {
		c.BackupCodes = 10
	}
	if c.AttemptLimit <= 0 {
		c.AttemptLimit = 5
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 15 * time.Minute
	}
	if c.TrustTTL <= 0 {
		c.TrustTTL = 30 * 24 * time.Hour
	}
}

// Manager is the two-factor subsystem. Safe for concurrent use.
type Manager struct {
	store store.Client
	cfg   Config
	now   func() time.Time
}

// NewManager returns a Manager with defaults applied to cfg.
func NewManager(st store.Client, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{store: st, cfg: cfg, now: time.Now}
}

// Setup is returned exactly once by SetupTwoFactor; the backup codes and
// secret are not recoverable afterwards.
type Setup struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// Status is the administrative view of a user's two-factor state.
type Status struct {
	Enabled              bool
	Verified             bool
	BackupCodesRemaining int
	TrustedDevices       int
}

// VerifyRequest carries one second-factor verification attempt. UserID
// comes from the session record, never from client input. SessionID only
// scopes the attempt limiter.
type VerifyRequest struct {
	UserID         string
	SessionID      string
	Code           string
	Method         string
	RememberDevice bool
}

func recordKey(userID string) string { return recordPrefix + userID }
func backupKey(userID string) string { return backupPrefix + userID }
func deviceKey(userID string) string { return devicePrefix + userID }

func attemptKey(session string) string { return attemptPrefix + session }

type record struct {
	secret     string
	backupSalt string
	enabled    bool
	verified   bool
}

func (m *Manager) loadRecord(ctx context.Context, userID string) (*record, error) {
	fields, err := m.store.HGetAll(ctx, recordKey(userID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["secret"] == "" {
		return nil, ErrNotConfigured
	}
	return &record{
		secret:     fields["secret"],
		backupSalt: fields["backup_salt"],
		enabled:    fields["enabled"] == "1",
		verified:   fields["verified"] == "1",
	}, nil
}

// SetupTwoFactor enrolls a user: it mints a TOTP secret, a provisioning
// URI for authenticator apps, and single-use backup codes stored only as
// salted hashes. The record stays disabled until EnableTwoFactor sees a
// correct code.
func (m *Manager) SetupTwoFactor(ctx context.Context, userID, accountName string) (*Setup, error) {
	existing, err := m.loadRecord(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}
	if existing != nil && existing.enabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, err
	}

	salt, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	codes, hashes, err := m.mintBackupCodes(salt)
	if err != nil {
		return nil, err
	}

	err = m.store.Atomically(ctx, func(b store.Batch) {
		b.Del(backupKey(userID))
		b.HSet(recordKey(userID), map[string]string{
			"secret":      key.Secret(),
			"backup_salt": salt,
			"enabled":     "0",
			"verified":    "0",
			"created_at":  strconv.FormatInt(m.now().Unix(), 10),
		})
		b.HSet(backupKey(userID), hashes)
	})
	if err != nil {
		return nil, err
	}

	return &Setup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// mintBackupCodes returns plaintext codes and their salted digests. Each
// digest is a hash field removed on consumption; the field value is the
// minting time, kept for support tooling only.
func (m *Manager) mintBackupCodes(salt string) ([]string, map[string]string, error) {
	minted := strconv.FormatInt(m.now().Unix(), 10)
	codes := make([]string, 0, m.cfg.BackupCodes)
	hashes := make(map[string]string, m.cfg.BackupCodes)
	for len(codes) < m.cfg.BackupCodes {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, nil, err
		}
		sum := internal.SaltedHash(salt, internal.CanonicalizeCode(code))
		digest := hex.EncodeToString(sum[:])
		if _, dup := hashes[digest]; dup {
			continue
		}
		codes = append(codes, code)
		hashes[digest] = minted
	}
	return codes, hashes, nil
}

// EnableTwoFactor activates a pending enrollment after the user proves
// possession of the secret with a current code.
func (m *Manager) EnableTwoFactor(ctx context.Context, userID, code string) error {
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec.enabled {
		return ErrAlreadyEnabled
	}
	if !m.validateTOTP(rec.secret, code) {
		return ErrCodeInvalid
	}
	return m.store.HSet(ctx, recordKey(userID), map[string]string{
		"enabled":  "1",
		"verified": "1",
	})
}

func (m *Manager) validateTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, m.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      m.cfg.CodeWindow,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// VerifyTwoFactor checks one second-factor attempt. Attempts are counted
// per session with an atomic increment; past the limit the attempt fails
// closed with a RateLimitedError before any code is examined.
func (m *Manager) VerifyTwoFactor(ctx context.Context, req VerifyRequest) error {
	attempts, err := m.store.IncrWithTTL(ctx, attemptKey(req.SessionID), m.cfg.AttemptWindow)
	if err != nil {
		return err
	}
	if attempts > int64(m.cfg.AttemptLimit) {
		retry := m.cfg.AttemptWindow
		if ttl, err := m.store.TTL(ctx, attemptKey(req.SessionID)); err == nil && ttl > 0 {
			retry = ttl
		}
		return &RateLimitedError{RetryAfter: retry}
	}

	rec, err := m.loadRecord(ctx, req.UserID)
	if err != nil {
		return err
	}
	if !rec.enabled {
		return ErrNotConfigured
	}

	switch req.Method {
	case MethodTOTP:
		if !m.validateTOTP(rec.secret, req.Code) {
			return ErrCodeInvalid
		}
		return nil
	case MethodBackup:
		return m.consumeBackupCode(ctx, req.UserID, rec.backupSalt, req.Code)
	case MethodSMS:
		return fmt.Errorf("%w: sms", ErrMethodUnsupported)
	default:
		return fmt.Errorf("%w: %s", ErrMethodUnsupported, req.Method)
	}
}

// consumeBackupCode removes the code's hash in one atomic delete; the
// delete count decides, so two concurrent submissions of the same code
// cannot both win.
func (m *Manager) consumeBackupCode(ctx context.Context, userID, salt, code string) error {
	sum := internal.SaltedHash(salt, internal.CanonicalizeCode(code))
	digest := hex.EncodeToString(sum[:])

	n, err := m.store.HDelCount(ctx, backupKey(userID), digest)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCodeInvalid
	}
	return nil
}

// RegenerateBackupCodes replaces all backup codes, consumed or not, and
// returns the new plaintext set exactly once.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	rec, err := m.loadRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.enabled {
		return nil, ErrNotConfigured
	}

	salt, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	codes, hashes, err := m.mintBackupCodes(salt)
	if err != nil {
		return nil, err
	}
	err = m.store.Atomically(ctx, func(b store.Batch) {
		b.Del(backupKey(userID))
		b.HSet(backupKey(userID), hashes)
		b.HSet(recordKey(userID), map[string]string{"backup_salt": salt})
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableTwoFactor removes the enrollment, all backup codes, and every
// trusted-device record. Trust is scoped to two-factor being on.
func (m *Manager) DisableTwoFactor(ctx context.Context, userID string) error {
	return m.store.Atomically(ctx, func(b store.Batch) {
		b.Del(recordKey(userID), backupKey(userID), deviceKey(userID))
	})
}

// IsEnabled reports whether the user has an active enrollment.
func (m *Manager) IsEnabled(ctx context.Context, userID string) (bool, error) {
	rec, err := m.loadRecord(ctx, userID)
	if errors.Is(err, ErrNotConfigured) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.enabled, nil
}

// GetTwoFactorStatus returns the administrative view of a user's
// two-factor state.
func (m *Manager) GetTwoFactorStatus(ctx context.Context, userID string) (Status, error) {
	rec, err := m.loadRecord(ctx, userID)
	if errors.Is(err, ErrNotConfigured) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	codes, err := m.store.HGetAll(ctx, backupKey(userID))
	if err != nil {
		return Status{}, err
	}
	remaining := len(codes)

	devices, err := m.trustedDevices(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Enabled:              rec.enabled,
		Verified:             rec.verified,
		BackupCodesRemaining: remaining,
		TrustedDevices:       len(devices),
	}, nil
}
