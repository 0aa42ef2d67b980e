package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/authcore/twofactor"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.Secret = "0123456789abcdef0123456789abcdef"
	cfg.JWT.Issuer = "authcore-test"
	cfg.JWT.Audience = "collab-platform"
	cfg.Lockout.Threshold = 3
	cfg.Lockout.Duration = "15m"
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := New().WithConfig(cfg).WithRedis(rdb).Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return engine, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func registerUser(t *testing.T, e *Engine, email string) *RegisterResponse {
	t.Helper()
	resp, err := e.Register(context.Background(), RegisterRequest{
		Email:      email,
		Username:   "user-" + email[:3] + email[4:7],
		Password:   "Sturdy-Pass1",
		DeviceType: "desktop",
		DeviceName: "test rig",
		Origin:     "https://app.example.com",
		UserAgent:  "go-test/1.0",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return resp
}

func loginReq(email, pass string) LoginRequest {
	return LoginRequest{
		Email:      email,
		Password:   pass,
		DeviceType: "desktop",
		DeviceName: "test rig",
		Origin:     "https://app.example.com",
		UserAgent:  "go-test/1.0",
	}
}

func TestLoginRoundTrip(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	reg := registerUser(t, e, "alice@example.com")
	resp, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.RequiresTwoFactor {
		t.Fatal("2FA demanded for an unenrolled user")
	}
	if resp.Tokens.AccessToken == "" || resp.Tokens.RefreshToken == "" {
		t.Fatal("tokens missing on successful login")
	}
	if resp.UserID != reg.UserID {
		t.Fatalf("user id mismatch: %s vs %s", resp.UserID, reg.UserID)
	}

	claims, err := e.Authenticate(ctx, resp.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.Subject != resp.UserID || claims.Email != "alice@example.com" || claims.SessionID != resp.SessionID {
		t.Fatalf("claims do not match login: %+v", claims)
	}
}

func TestLoginFailureMessagesDoNotEnumerate(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	registerUser(t, e, "alice@example.com")

	_, errUnknown := e.Login(ctx, loginReq("nobody@example.com", "Sturdy-Pass1"))
	_, errWrongPass := e.Login(ctx, loginReq("alice@example.com", "Wrong-Pass1"))

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrongPass, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", errUnknown, errWrongPass)
	}
	if errUnknown.Error() != errWrongPass.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown.Error(), errWrongPass.Error())
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	registerUser(t, e, "alice@example.com")
	for i := 0; i < 3; i++ {
		if _, err := e.Login(ctx, loginReq("alice@example.com", "Wrong-Pass1")); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	// Correct password inside the lockout window still reads locked.
	_, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1"))
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// Past the window the correct password works and resets the state.
	later := time.Now().Add(16 * time.Minute)
	e.now = func() time.Time { return later }
	if _, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1")); err != nil {
		t.Fatalf("post-lockout login: %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	registerUser(t, e, "alice@example.com")

	_, err := e.Register(ctx, RegisterRequest{
		Email: "alice@example.com", Username: "someone-else", Password: "Sturdy-Pass1",
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	_, err = e.Register(ctx, RegisterRequest{
		Email: "alice2@example.com", Username: "user-aliice", Password: "Sturdy-Pass1",
	})
	if err != nil {
		t.Fatalf("distinct username rejected: %v", err)
	}
}

func TestRegisterPolicyViolationListsFields(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()

	_, err := e.Register(context.Background(), RegisterRequest{
		Email: "bob@example.com", Username: "bobby", Password: "weak",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, f := range verr.Fields {
		if f.Field != "password" {
			t.Fatalf("unexpected field %q in %v", f.Field, verr.Fields)
		}
	}
}

type failingRedeemer struct{}

func (failingRedeemer) Redeem(context.Context, string, string) (string, string, error) {
	return "", "", errors.New("invitation service down")
}

type okRedeemer struct{ teamID string }

func (r okRedeemer) Redeem(context.Context, string, string) (string, string, error) {
	return r.teamID, "developer", nil
}

func TestRegisterDegradesWhenInvitationFails(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e, err := New().WithConfig(testConfig()).WithRedis(rdb).
		WithInvitations(failingRedeemer{}).Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	resp, err := e.Register(context.Background(), RegisterRequest{
		Email: "carol@example.com", Username: "carol", Password: "Sturdy-Pass1",
		InvitationToken: "inv-123",
	})
	if err != nil {
		t.Fatalf("registration should survive a failed invitation: %v", err)
	}
	if resp.TeamID != "" {
		t.Fatalf("expected team-less account, got team %q", resp.TeamID)
	}
}

func TestRegisterConsumesInvitation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e, err := New().WithConfig(testConfig()).WithRedis(rdb).
		WithInvitations(okRedeemer{teamID: "team-9"}).Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx := context.Background()

	resp, err := e.Register(ctx, RegisterRequest{
		Email: "dave@example.com", Username: "dave-m", Password: "Sturdy-Pass1",
		InvitationToken: "inv-456",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.TeamID != "team-9" {
		t.Fatalf("expected team-9, got %q", resp.TeamID)
	}
	role, err := e.Access().RoleOf(ctx, resp.UserID, "team-9")
	if err != nil || role != "developer" {
		t.Fatalf("invited role not assigned: role=%q err=%v", role, err)
	}
}

func TestTwoFactorLoginFlow(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	reg := registerUser(t, e, "alice@example.com")
	setup, err := e.SetupTwoFactor(ctx, reg.UserID)
	if err != nil {
		t.Fatalf("SetupTwoFactor: %v", err)
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := e.EnableTwoFactor(ctx, reg.UserID, code); err != nil {
		t.Fatalf("EnableTwoFactor: %v", err)
	}

	resp, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !resp.RequiresTwoFactor {
		t.Fatal("expected a pending second factor")
	}
	if resp.Tokens.AccessToken != "" || resp.Tokens.RefreshToken != "" {
		t.Fatal("tokens issued before the second factor cleared")
	}

	code, err = totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	verified, err := e.Verify2FA(ctx, Verify2FARequest{
		SessionID:      resp.SessionID,
		Code:           code,
		Method:         twofactor.MethodTOTP,
		RememberDevice: true,
		DeviceName:     "test rig",
	})
	if err != nil {
		t.Fatalf("Verify2FA: %v", err)
	}
	if verified.Tokens.AccessToken == "" || verified.Tokens.RefreshToken == "" {
		t.Fatal("no tokens after successful step-up")
	}
	if verified.UserID != reg.UserID {
		t.Fatalf("step-up resolved the wrong user: %s", verified.UserID)
	}

	// The remembered device skips the step-up on the next login.
	again, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1"))
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.RequiresTwoFactor {
		t.Fatal("trusted device still challenged")
	}
	if again.Tokens.AccessToken == "" {
		t.Fatal("trusted-device login issued no tokens")
	}
}

func TestVerify2FAWrongCode(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	reg := registerUser(t, e, "alice@example.com")
	setup, err := e.SetupTwoFactor(ctx, reg.UserID)
	if err != nil {
		t.Fatalf("SetupTwoFactor: %v", err)
	}
	code, _ := totp.GenerateCode(setup.Secret, time.Now())
	if err := e.EnableTwoFactor(ctx, reg.UserID, code); err != nil {
		t.Fatalf("EnableTwoFactor: %v", err)
	}

	resp, err := e.Login(ctx, loginReq("alice@example.com", "Sturdy-Pass1"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = e.Verify2FA(ctx, Verify2FARequest{
		SessionID: resp.SessionID, Code: "000000", Method: twofactor.MethodTOTP,
	})
	if !errors.Is(err, ErrTwoFactorFailed) {
		t.Fatalf("expected ErrTwoFactorFailed, got %v", err)
	}

	_, err = e.Verify2FA(ctx, Verify2FARequest{
		SessionID: "no-such-session", Code: "000000", Method: twofactor.MethodTOTP,
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLogoutIsIdempotentAndRevokesRefresh(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	reg := registerUser(t, e, "alice@example.com")
	if err := e.Logout(ctx, reg.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := e.Logout(ctx, reg.SessionID); err != nil {
		t.Fatalf("second Logout errored: %v", err)
	}

	if _, err := e.RefreshToken(ctx, reg.Tokens.RefreshToken); err == nil {
		t.Fatal("refresh token survived logout")
	}
}

func TestRefreshTokenExchange(t *testing.T) {
	e, done := newTestEngine(t, nil)
	defer done()
	ctx := context.Background()

	reg := registerUser(t, e, "alice@example.com")
	pair, err := e.RefreshToken(ctx, reg.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("no access token from refresh")
	}

	if _, err := e.RefreshToken(ctx, reg.Tokens.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
}
