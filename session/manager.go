// Package session owns multi-device session bookkeeping: creation under a
// per-user cap, activity tracking with rolling expiry, invalidation, and a
// reporting view over the session population.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harborline/authcore/internal"
	"github.com/harborline/authcore/store"
)

const (
	sessionPrefix   = "ases:"
	userIndexPrefix = "asesu:"
	activityPrefix  = "asesa:"
)

// Config for the Manager.
type Config struct {
	// TTL is the idle lifetime of a session.
	TTL time.Duration
	// MaxSessions caps concurrently active sessions per user; the least
	// recently active sessions are evicted to stay under it. Zero means
	// unlimited.
	MaxSessions int
	// Rolling extends ExpiresAt to LastActivity + TTL on every
	// successful lookup.
	Rolling bool
	// ActivityLogSize bounds the per-session activity log.
	ActivityLogSize int
}

// Manager is the session subsystem. Safe for concurrent use.
type Manager struct {
	store store.Client
	cfg   Config
	now   func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(st store.Client, cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("session TTL must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return nil, errors.New("session cap must be >= 0")
	}
	if cfg.ActivityLogSize <= 0 {
		cfg.ActivityLogSize = 50
	}
	return &Manager{store: st, cfg: cfg, now: time.Now}, nil
}

func sessionKey(id string) string { return sessionPrefix + id }
func userKey(userID string) string { return userIndexPrefix + userID }
func activityKey(id string) string { return activityPrefix + id }

// CreateSession registers a new session for the user, first evicting the
// least-recently-active sessions if the user is at the cap. The device id
// is a stable fingerprint of device type, name, origin, and user agent.
func (m *Manager) CreateSession(ctx context.Context, userID, teamID string, device DeviceInfo, origin, userAgent string, permissions []string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session requires a user id")
	}

	if err := m.enforceCap(ctx, userID); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:       userID,
		TeamID:       teamID,
		DeviceID:     internal.Fingerprint(device.Type, device.Name, origin, userAgent),
		Device:       device,
		Origin:       origin,
		UserAgent:    userAgent,
		IsActive:     true,
		Permissions:  permissions,
		LastActivity: now.Unix(),
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(m.cfg.TTL).Unix(),
	}

	fields, err := sess.fields()
	if err != nil {
		return nil, err
	}
	err = m.store.Atomically(ctx, func(b store.Batch) {
		key := sessionKey(sess.ID)
		b.HSet(key, fields)
		b.Expire(key, m.retention())
		b.LPush(userKey(userID), sess.ID)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) enforceCap(ctx context.Context, userID string) error {
	if m.cfg.MaxSessions <= 0 {
		return nil
	}

	live, err := m.liveSessions(ctx, userID)
	if err != nil {
		return err
	}
	if len(live) < m.cfg.MaxSessions {
		return nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity < live[j].LastActivity
	})
	evict := len(live) - m.cfg.MaxSessions + 1
	for _, victim := range live[:evict] {
		if err := m.InvalidateSession(ctx, victim.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) liveSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.store.LRange(ctx, userKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}

	now := m.now()
	seen := make(map[string]bool, len(ids))
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		fields, err := m.store.HGetAll(ctx, sessionKey(id))
		if err != nil {
			return nil, err
		}
		sess, ok := sessionFromFields(id, fields)
		if !ok || !sess.IsActive {
			// Stale index entry; drop it opportunistically.
			if err := m.store.LRem(ctx, userKey(userID), 0, id); err != nil {
				return nil, err
			}
			continue
		}
		if sess.expired(now) {
			if err := m.InvalidateSession(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// GetSession returns the session, or nil for a missing, inactive, or
// expired one. An expired-but-present record is marked inactive on the
// way out. In rolling mode a successful lookup refreshes LastActivity and
// ExpiresAt as a side effect.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	fields, err := m.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	sess, ok := sessionFromFields(id, fields)
	if !ok || !sess.IsActive {
		return nil, nil
	}

	now := m.now()
	if sess.expired(now) {
		if err := m.InvalidateSession(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if m.cfg.Rolling {
		if err := m.touch(ctx, sess, now); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (m *Manager) touch(ctx context.Context, sess *Session, now time.Time) error {
	sess.LastActivity = now.Unix()
	sess.ExpiresAt = now.Add(m.cfg.TTL).Unix()
	return m.store.Atomically(ctx, func(b store.Batch) {
		key := sessionKey(sess.ID)
		b.HSet(key, map[string]string{
			"last_activity": strconv.FormatInt(sess.LastActivity, 10),
			"expires_at":    strconv.FormatInt(sess.ExpiresAt, 10),
		})
		b.Expire(key, m.retention())
	})
}

// UpdateActivity appends an audit entry to the session's bounded
// newest-first log and refreshes the session TTL. Log-write failures are
// swallowed; activity logging must never fail the request.
func (m *Manager) UpdateActivity(ctx context.Context, id, action, resource string, success bool, metadata map[string]string) error {
	fields, err := m.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return err
	}
	sess, ok := sessionFromFields(id, fields)
	if !ok || !sess.IsActive {
		return nil
	}

	now := m.now()
	entry, err := json.Marshal(ActivityEntry{
		Action:    action,
		Resource:  resource,
		Success:   success,
		Metadata:  metadata,
		Timestamp: now.Unix(),
	})
	if err == nil {
		logErr := m.store.Atomically(ctx, func(b store.Batch) {
			key := activityKey(id)
			b.LPush(key, string(entry))
			b.LTrim(key, 0, int64(m.cfg.ActivityLogSize-1))
			b.Expire(key, m.retention())
		})
		if logErr != nil {
			log.Print("authcore: session activity log write failed")
		}
	}

	return m.touch(ctx, sess, now)
}

// RecentActivity returns the newest-first activity log for a session.
func (m *Manager) RecentActivity(ctx context.Context, id string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > m.cfg.ActivityLogSize {
		limit = m.cfg.ActivityLogSize
	}
	rows, err := m.store.LRange(ctx, activityKey(id), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]ActivityEntry, 0, len(rows))
	for _, row := range rows {
		var entry ActivityEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// MarkTwoFactorVerified flags the session so later requests skip step-up.
func (m *Manager) MarkTwoFactorVerified(ctx context.Context, id string) error {
	return m.store.HSet(ctx, sessionKey(id), map[string]string{"tfa_verified": "1"})
}

// InvalidateSession marks a session inactive and removes it from the user
// index. Invalidating a missing or already-inactive session is a no-op.
func (m *Manager) InvalidateSession(ctx context.Context, id string) error {
	fields, err := m.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return err
	}
	sess, ok := sessionFromFields(id, fields)
	if !ok {
		return nil
	}

	return m.store.Atomically(ctx, func(b store.Batch) {
		b.HSet(sessionKey(id), map[string]string{"is_active": "0"})
		b.LRem(userKey(sess.UserID), 0, id)
		b.Del(activityKey(id))
	})
}

// InvalidateAllUserSessions invalidates every live session for a user,
// optionally restricted to one team and sparing one session id. Returns
// the number actually invalidated.
func (m *Manager) InvalidateAllUserSessions(ctx context.Context, userID, exceptID, teamID string) (int, error) {
	live, err := m.liveSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range live {
		if sess.ID == exceptID {
			continue
		}
		if teamID != "" && sess.TeamID != teamID {
			continue
		}
		if err := m.InvalidateSession(ctx, sess.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// GetUserSessions returns the user's live sessions, most recently active
// first.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	live, err := m.liveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity > live[j].LastActivity
	})
	return live, nil
}

// GetSessionStats aggregates counts over all session records. This scans
// the keyspace; reporting only, never the authorization hot path.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	keys, err := m.store.ScanPrefix(ctx, sessionPrefix)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByDeviceType: make(map[string]int)}
	now := m.now()
	var totalDuration, counted int64
	for _, key := range keys {
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil {
			return Stats{}, err
		}
		sess, ok := sessionFromFields(key[len(sessionPrefix):], fields)
		if !ok {
			continue
		}

		switch {
		case sess.IsActive && !sess.expired(now):
			stats.Active++
			stats.ByDeviceType[sess.Device.Type]++
		default:
			stats.Expired++
		}
		if now.Unix()-sess.CreatedAt < int64(24*time.Hour/time.Second) {
			stats.CreatedLast24h++
		}
		if d := sess.LastActivity - sess.CreatedAt; d >= 0 {
			totalDuration += d
			counted++
		}
	}
	if counted > 0 {
		stats.MeanDurationSec = totalDuration / counted
	}
	return stats, nil
}

// CleanupExpiredSessions invalidates every session past its deadline.
// The sweep honors ctx cancellation and is idempotent; a partial run
// leaves only not-yet-cleaned rows behind. Returns the number ended.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	keys, err := m.store.ScanPrefix(ctx, sessionPrefix)
	if err != nil {
		return 0, err
	}

	now := m.now()
	cleaned := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil {
			return cleaned, err
		}
		sess, ok := sessionFromFields(key[len(sessionPrefix):], fields)
		if !ok || !sess.IsActive || !sess.expired(now) {
			continue
		}
		if err := m.InvalidateSession(ctx, sess.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

// retention is the physical TTL for session records: idle TTL plus slack
// so lookups can observe and self-heal logically expired rows.
func (m *Manager) retention() time.Duration {
	return m.cfg.TTL + time.Hour
}
