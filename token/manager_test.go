package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/authcore/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if cfg.Algorithm == "" {
		cfg = hs256Config()
	}
	m, err := NewManager(store.NewRedis(rdb), cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func hs256Config() Config {
	return Config{
		Algorithm:  AlgHS256,
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "authcore-test",
		Audience:   "collab-platform",
		AccessTTL:  5 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

func TestCreateVerifyRoundTrip(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1", Email: "u1@example.com"}, "s1", "d1", "team-1", []string{"project:read"})
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 300 {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}

	claims, err := m.VerifyToken(ctx, pair.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("VerifyToken(access) failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Email != "u1@example.com" || claims.SessionID != "s1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.TeamID != "team-1" || len(claims.Permissions) != 1 {
		t.Fatalf("claims missing team or permissions: %+v", claims)
	}

	refreshClaims, err := m.VerifyToken(ctx, pair.RefreshToken, TypeRefresh)
	if err != nil {
		t.Fatalf("VerifyToken(refresh) failed: %v", err)
	}
	if len(refreshClaims.Permissions) != 0 {
		t.Fatal("refresh token must not carry permissions")
	}
}

func TestVerifyTokenTypeMismatch(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s1", "d1", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	if _, err := m.VerifyToken(ctx, pair.AccessToken, TypeRefresh); !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("expected type mismatch for access token, got %v", err)
	}
	if _, err := m.VerifyToken(ctx, pair.RefreshToken, TypeAccess); !errors.Is(err, ErrTokenTypeMismatch) {
		t.Fatalf("expected type mismatch for refresh token, got %v", err)
	}
}

func TestRevokedRefreshTokenRejectedDespiteValidSignature(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s1", "d1", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	if _, err := m.RefreshAccessToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh before revocation failed: %v", err)
	}

	if err := m.RevokeRefreshToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("RevokeRefreshToken failed: %v", err)
	}
	if _, err := m.RefreshAccessToken(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid after revocation, got %v", err)
	}
	if _, err := m.VerifyToken(ctx, pair.RefreshToken, TypeRefresh); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestRevokeUnknownTokenIsNoOp(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()

	if err := m.RevokeRefreshToken(context.Background(), "never-issued"); err != nil {
		t.Fatalf("revoking unknown token must not error, got %v", err)
	}
}

func TestRefreshReturnsSameRefreshToken(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1", Email: "u1@example.com"}, "s1", "d1", "team-9", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	refreshed, err := m.RefreshAccessToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}
	if refreshed.RefreshToken != pair.RefreshToken {
		t.Fatal("refresh must return the original refresh token")
	}

	claims, err := m.VerifyToken(ctx, refreshed.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("VerifyToken on refreshed access failed: %v", err)
	}
	if claims.Subject != "u1" || claims.SessionID != "s1" || claims.TeamID != "team-9" {
		t.Fatalf("refreshed access token lost claims: %+v", claims)
	}
}

func TestRevokeAllSparesExceptedSession(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	spared, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s-current", "d1", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}
	victim, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s-old", "d2", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}
	other, err := m.CreateTokens(ctx, Subject{UserID: "u2"}, "s-other", "d3", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	n, err := m.RevokeAllRefreshTokens(ctx, "u1", "s-current")
	if err != nil {
		t.Fatalf("RevokeAllRefreshTokens failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 revocation, got %d", n)
	}

	if _, err := m.VerifyToken(ctx, spared.RefreshToken, TypeRefresh); err != nil {
		t.Fatalf("spared session token must stay valid, got %v", err)
	}
	if _, err := m.VerifyToken(ctx, victim.RefreshToken, TypeRefresh); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected victim revoked, got %v", err)
	}
	if _, err := m.VerifyToken(ctx, other.RefreshToken, TypeRefresh); err != nil {
		t.Fatalf("other user's token must stay valid, got %v", err)
	}
}

func TestCleanupExpiredTokens(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	if _, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s1", "d1", "", nil); err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}
	if _, err := m.CreateTokens(ctx, Subject{UserID: "u2"}, "s2", "d2", "", nil); err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	// Shift the manager clock past every refresh expiry.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	removed, err := m.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredTokens failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}

	removed, err = m.CleanupExpiredTokens(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("second sweep: removed=%d err=%v", removed, err)
	}
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	m, done := newTestManager(t, Config{})
	defer done()
	ctx := context.Background()

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s1", "d1", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := m.VerifyToken(ctx, pair.AccessToken, TypeAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
}

func TestEd25519RotationKeepsOldTokensVerifiable(t *testing.T) {
	cfg := hs256Config()
	cfg.Algorithm = AlgEd25519
	cfg.Secret = nil
	m, done := newTestManager(t, cfg)
	defer done()
	ctx := context.Background()

	if err := m.Keyring().Initialize(ctx); err != nil {
		t.Fatalf("keyring initialize failed: %v", err)
	}

	pair, err := m.CreateTokens(ctx, Subject{UserID: "u1"}, "s1", "d1", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens failed: %v", err)
	}

	if err := m.Keyring().Rotate(ctx); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if got := len(m.Keyring().KeyIDs()); got != 2 {
		t.Fatalf("expected 2 keys after rotation, got %d", got)
	}

	// Token signed under the retired key still verifies.
	if _, err := m.VerifyToken(ctx, pair.AccessToken, TypeAccess); err != nil {
		t.Fatalf("token under retired key failed verification: %v", err)
	}

	// New tokens are signed under the new current key and verify too.
	fresh, err := m.CreateTokens(ctx, Subject{UserID: "u2"}, "s2", "d2", "", nil)
	if err != nil {
		t.Fatalf("CreateTokens after rotation failed: %v", err)
	}
	if _, err := m.VerifyToken(ctx, fresh.AccessToken, TypeAccess); err != nil {
		t.Fatalf("fresh token failed verification: %v", err)
	}
}

func TestKeyRetirementHonorsVerificationWindow(t *testing.T) {
	cfg := hs256Config()
	cfg.Algorithm = AlgEd25519
	cfg.Secret = nil
	m, done := newTestManager(t, cfg)
	defer done()
	ctx := context.Background()

	kr := m.Keyring()
	if err := kr.Initialize(ctx); err != nil {
		t.Fatalf("keyring initialize failed: %v", err)
	}
	first := kr.KeyIDs()[0]

	if err := kr.Rotate(ctx); err != nil {
		t.Fatalf("first rotate failed: %v", err)
	}

	// Within grace + max token lifetime the retired key must survive the
	// next rotation's prune.
	kr.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := kr.Rotate(ctx); err != nil {
		t.Fatalf("second rotate failed: %v", err)
	}
	if _, err := kr.VerificationKey(first); err != nil {
		t.Fatalf("retired key removed inside verification window: %v", err)
	}

	// Beyond the window it is pruned.
	kr.now = func() time.Time { return time.Now().Add(10 * 24 * time.Hour) }
	if err := kr.Rotate(ctx); err != nil {
		t.Fatalf("third rotate failed: %v", err)
	}
	if _, err := kr.VerificationKey(first); !errors.Is(err, ErrUnknownKeyID) {
		t.Fatalf("expected retired key pruned, got %v", err)
	}
}
