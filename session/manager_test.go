package session

import (
	"context"
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
	m, err := NewManager(store.NewRedis(rdb), cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func mustCreate(t *testing.T, m *Manager, userID, device string) *Session {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), userID, "team-1",
		DeviceInfo{Type: "desktop", Name: device}, "https://app.example.com", "go-test/1.0", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, MaxSessions: 5})
	defer done()
	ctx := context.Background()

	created := mustCreate(t, m, "u1", "macbook")
	got, err := m.GetSession(ctx, created.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession: got=%v err=%v", got, err)
	}
	if got.UserID != "u1" || got.TeamID != "team-1" || got.Device.Name != "macbook" {
		t.Fatalf("session round trip mismatch: %+v", got)
	}
	if got.DeviceID == "" || got.DeviceID != created.DeviceID {
		t.Fatalf("device fingerprint not stable: %q vs %q", got.DeviceID, created.DeviceID)
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour})
	defer done()

	got, err := m.GetSession(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown session, got %+v", got)
	}
}

func TestSessionCapEvictsLeastRecentlyActive(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, MaxSessions: 3})
	defer done()
	ctx := context.Background()

	base := time.Now()
	var sessions []*Session
	for i := 0; i < 3; i++ {
		m.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		sessions = append(sessions, mustCreate(t, m, "u1", "dev"))
	}

	// The oldest session becomes the most recently active.
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	if err := m.UpdateActivity(ctx, sessions[0].ID, "project.read", "project:p1", true, nil); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}

	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	newest := mustCreate(t, m, "u1", "dev")

	// sessions[1] was least recently active and must be the one evicted.
	if got, _ := m.GetSession(ctx, sessions[1].ID); got != nil {
		t.Fatalf("least recently active session survived the cap")
	}
	for _, id := range []string{sessions[0].ID, sessions[2].ID, newest.ID} {
		if got, err := m.GetSession(ctx, id); err != nil || got == nil {
			t.Fatalf("session %s should have survived: got=%v err=%v", id, got, err)
		}
	}

	live, err := m.GetUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserSessions: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("expected exactly 3 live sessions, got %d", len(live))
	}
	if live[0].ID != newest.ID {
		t.Fatalf("expected newest-activity-first ordering, got %s first", live[0].ID)
	}
}

func TestRollingModeExtendsExpiry(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, Rolling: true})
	defer done()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	sess := mustCreate(t, m, "u1", "dev")
	firstExpiry := sess.ExpiresAt

	m.now = func() time.Time { return base.Add(45 * time.Minute) }
	got, err := m.GetSession(ctx, sess.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession: got=%v err=%v", got, err)
	}
	if got.ExpiresAt <= firstExpiry {
		t.Fatalf("rolling lookup did not extend expiry: %d vs %d", got.ExpiresAt, firstExpiry)
	}

	// Well past the original deadline but within the rolled one.
	m.now = func() time.Time { return base.Add(85 * time.Minute) }
	if got, err := m.GetSession(ctx, sess.ID); err != nil || got == nil {
		t.Fatalf("rolled session should still be live: got=%v err=%v", got, err)
	}
}

func TestExpiredSessionSelfHeals(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour})
	defer done()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	sess := mustCreate(t, m, "u1", "dev")

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	if got, err := m.GetSession(ctx, sess.ID); err != nil || got != nil {
		t.Fatalf("expired session should read as nil: got=%v err=%v", got, err)
	}

	// The record has been marked inactive and dropped from the index.
	live, err := m.GetUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserSessions: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live sessions, got %d", len(live))
	}
}

func TestInvalidateSessionIsIdempotent(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour})
	defer done()
	ctx := context.Background()

	sess := mustCreate(t, m, "u1", "dev")
	for i := 0; i < 3; i++ {
		if err := m.InvalidateSession(ctx, sess.ID); err != nil {
			t.Fatalf("invalidate pass %d: %v", i, err)
		}
	}
	if err := m.InvalidateSession(ctx, "never-existed"); err != nil {
		t.Fatalf("invalidating unknown session: %v", err)
	}
	if got, _ := m.GetSession(ctx, sess.ID); got != nil {
		t.Fatalf("session still readable after invalidation")
	}
}

func TestInvalidateAllUserSessionsSparesException(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, MaxSessions: 10})
	defer done()
	ctx := context.Background()

	var keep *Session
	for i := 0; i < 4; i++ {
		s := mustCreate(t, m, "u1", "dev")
		if i == 2 {
			keep = s
		}
	}
	mustCreate(t, m, "u2", "dev")

	n, err := m.InvalidateAllUserSessions(ctx, "u1", keep.ID, "")
	if err != nil {
		t.Fatalf("InvalidateAllUserSessions: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 invalidations, got %d", n)
	}
	if got, _ := m.GetSession(ctx, keep.ID); got == nil {
		t.Fatalf("excepted session was invalidated")
	}
	if live, _ := m.GetUserSessions(ctx, "u2"); len(live) != 1 {
		t.Fatalf("other user's sessions were touched")
	}
}

func TestActivityLogIsBoundedNewestFirst(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, ActivityLogSize: 5})
	defer done()
	ctx := context.Background()

	sess := mustCreate(t, m, "u1", "dev")
	for i := 0; i < 8; i++ {
		action := "doc.edit"
		if i == 7 {
			action = "doc.share"
		}
		if err := m.UpdateActivity(ctx, sess.ID, action, "doc:d1", true, map[string]string{"n": "x"}); err != nil {
			t.Fatalf("UpdateActivity %d: %v", i, err)
		}
	}

	entries, err := m.RecentActivity(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected log capped at 5, got %d", len(entries))
	}
	if entries[0].Action != "doc.share" {
		t.Fatalf("expected newest entry first, got %q", entries[0].Action)
	}
}

func TestMarkTwoFactorVerified(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour})
	defer done()
	ctx := context.Background()

	sess := mustCreate(t, m, "u1", "dev")
	if sess.TwoFactorVerified {
		t.Fatal("new session should not be 2FA verified")
	}
	if err := m.MarkTwoFactorVerified(ctx, sess.ID); err != nil {
		t.Fatalf("MarkTwoFactorVerified: %v", err)
	}
	got, err := m.GetSession(ctx, sess.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession: got=%v err=%v", got, err)
	}
	if !got.TwoFactorVerified {
		t.Fatal("verification flag did not persist")
	}
}

func TestSessionStats(t *testing.T) {
	m, done := newTestManager(t, Config{TTL: time.Hour, MaxSessions: 10})
	defer done()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	mustCreate(t, m, "u1", "dev")
	if _, err := m.CreateSession(ctx, "u1", "team-1",
		DeviceInfo{Type: "mobile", Name: "phone"}, "https://app.example.com", "go-test/1.0", nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	dying := mustCreate(t, m, "u2", "dev")
	if err := m.InvalidateSession(ctx, dying.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	stats, err := m.GetSessionStats(ctx)
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.Active != 2 || stats.Expired != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.ByDeviceType["desktop"] != 1 || stats.ByDeviceType["mobile"] != 1 {
		t.Fatalf("device breakdown wrong: %+v", stats.ByDeviceType)
	}
	if stats.CreatedLast24h != 3 {
		t.Fatalf("expected 3 created in last 24h, got %d", stats.CreatedLast24h)
	}
}
