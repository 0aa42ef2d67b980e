// Package token owns the bearer-credential lifecycle: issuing access and
// refresh JWTs, verifying them against issuer/audience/expiry and the
// revocation ledger, refreshing access tokens, and rotating the asymmetric
// signing keys.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/harborline/authcore/store"
)

// Token type markers embedded in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Signing algorithm names accepted in Config.Algorithm.
const (
	AlgHS256   = "hs256"
	AlgEd25519 = "ed25519"
)

var (
	// ErrTokenInvalid covers signature, issuer, audience, and expiry
	// failures.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenTypeMismatch is returned when the embedded typ claim does
	// not match the expected token type.
	ErrTokenTypeMismatch = errors.New("token type mismatch")
	// ErrTokenRevoked is returned for refresh tokens whose record is
	// missing or flagged revoked. Signature validity alone never
	// authorizes a refresh token.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRefreshTokenInvalid is returned by RefreshAccessToken for any
	// unusable refresh token.
	ErrRefreshTokenInvalid = errors.New("invalid refresh token")
)

// Claims is the payload carried by both token types. Access tokens embed
// the resolved permission snapshot; refresh tokens carry only identity,
// session, and device.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	SessionID   string   `json:"sid"`
	DeviceID    string   `json:"did,omitempty"`
	TeamID      string   `json:"team,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	TokenType   string   `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is the issued credential set returned to callers.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// Subject identifies the principal a token pair is issued for.
type Subject struct {
	UserID string
	Email  string
}

// Config for the Manager. TTLs must be positive; Algorithm selects hs256
// (Secret required) or ed25519 (keyring managed in the store).
type Config struct {
	Algorithm        string
	Secret           []byte
	Issuer           string
	Audience         string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	RotationInterval time.Duration
	RetirementGrace  time.Duration
}

// Manager issues, verifies, refreshes, and revokes bearer credentials.
type Manager struct {
	cfg     Config
	store   store.Client
	keyring *Keyring
	now     func() time.Time
}

// NewManager validates cfg and returns a Manager. For ed25519 the caller
// must invoke Initialize before issuing tokens.
func NewManager(st store.Client, cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be > 0")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * 24 * time.Hour
	}
	if cfg.RetirementGrace <= 0 {
		cfg.RetirementGrace = 7 * 24 * time.Hour
	}

	m := &Manager{cfg: cfg, store: st, now: time.Now}
	switch cfg.Algorithm {
	case AlgHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case AlgEd25519:
		m.keyring = NewKeyring(st, cfg.RetirementGrace, maxDuration(cfg.AccessTTL, cfg.RefreshTTL))
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	return m, nil
}

// Initialize loads or generates signing-key material and, in asymmetric
// mode, starts the periodic rotation loop bound to ctx.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.keyring == nil {
		return nil
	}
	if err := m.keyring.Initialize(ctx); err != nil {
		return err
	}
	m.keyring.StartRotation(ctx, m.cfg.RotationInterval)
	return nil
}

// Keyring exposes the signing keyring in asymmetric mode; nil for hs256.
func (m *Manager) Keyring() *Keyring { return m.keyring }

// CreateTokens issues an access/refresh pair bound to the session and
// device, persisting the refresh token's revocation record.
func (m *Manager) CreateTokens(ctx context.Context, sub Subject, sessionID, deviceID, teamID string, permissions []string) (Pair, error) {
	now := m.now()

	access, err := m.sign(Claims{
		Email:       sub.Email,
		SessionID:   sessionID,
		DeviceID:    deviceID,
		TeamID:      teamID,
		Permissions: permissions,
		TokenType:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    m.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	refreshExpiry := now.Add(m.cfg.RefreshTTL)
	refresh, err := m.sign(Claims{
		Email:     sub.Email,
		SessionID: sessionID,
		DeviceID:  deviceID,
		TeamID:    teamID,
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    m.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(refreshExpiry),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	err = m.saveRefreshRecord(ctx, refresh, refreshRecord{
		UserID:    sub.UserID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		TeamID:    teamID,
		ExpiresAt: refreshExpiry.Unix(),
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.cfg.AccessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// VerifyToken validates signature, issuer, audience, and expiry. When
// expectedType is non-empty a typ mismatch fails with ErrTokenTypeMismatch.
// Refresh tokens are additionally checked against the revocation ledger.
func (m *Manager) VerifyToken(ctx context.Context, tokenStr, expectedType string) (*Claims, error) {
	claims, err := m.parse(tokenStr)
	if err != nil {
		return nil, err
	}

	if expectedType != "" && claims.TokenType != expectedType {
		return nil, ErrTokenTypeMismatch
	}

	if claims.TokenType == TypeRefresh {
		rec, ok, err := m.loadRefreshRecord(ctx, tokenStr)
		if err != nil {
			return nil, err
		}
		if !ok || rec.Revoked {
			return nil, ErrTokenRevoked
		}
	}

	return claims, nil
}

// RefreshAccessToken exchanges a live refresh token for a fresh access
// token. The refresh token itself is returned unchanged; its claims carry
// forward into the new access token.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string) (Pair, error) {
	claims, err := m.VerifyToken(ctx, refreshToken, TypeRefresh)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return Pair{}, err
		}
		return Pair{}, fmt.Errorf("%w: %v", ErrRefreshTokenInvalid, err)
	}

	now := m.now()
	access, err := m.sign(Claims{
		Email:     claims.Email,
		SessionID: claims.SessionID,
		DeviceID:  claims.DeviceID,
		TeamID:    claims.TeamID,
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    m.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.cfg.AccessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (m *Manager) sign(claims Claims) (string, error) {
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	switch m.cfg.Algorithm {
	case AlgHS256:
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return tok.SignedString(m.cfg.Secret)
	default:
		kid, priv, err := m.keyring.SigningKey()
		if err != nil {
			return "", err
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		tok.Header["kid"] = kid
		return tok.SignedString(priv)
	}
}

func (m *Manager) parse(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithTimeFunc(m.now),
	}
	if m.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(m.cfg.Audience))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if m.cfg.Algorithm == AlgHS256 {
			return m.cfg.Secret, nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKeyID
		}
		return m.keyring.VerificationKey(kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.cfg.Algorithm == AlgHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
