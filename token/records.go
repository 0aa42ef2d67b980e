package token

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/harborline/authcore/internal"
	"github.com/harborline/authcore/store"
)

const (
	recordPrefix = "art:"
	indexPrefix  = "arti:"
)

// refreshRecord is the store-side state for one refresh token, keyed by the
// SHA-256 of the raw token. The raw token itself is never persisted.
type refreshRecord struct {
	UserID    string
	SessionID string
	DeviceID  string
	TeamID    string
	ExpiresAt int64
	Revoked   bool
}

func recordKey(tokenHash string) string {
	return recordPrefix + tokenHash
}

func indexKey(userID, sessionID string) string {
	return indexPrefix + userID + ":" + sessionID
}

func (r refreshRecord) fields() map[string]string {
	revoked := "0"
	if r.Revoked {
		revoked = "1"
	}
	return map[string]string{
		"user_id":    r.UserID,
		"session_id": r.SessionID,
		"device_id":  r.DeviceID,
		"team_id":    r.TeamID,
		"expires_at": strconv.FormatInt(r.ExpiresAt, 10),
		"revoked":    revoked,
	}
}

func recordFromFields(fields map[string]string) (refreshRecord, bool) {
	if len(fields) == 0 || fields["user_id"] == "" {
		return refreshRecord{}, false
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return refreshRecord{}, false
	}
	return refreshRecord{
		UserID:    fields["user_id"],
		SessionID: fields["session_id"],
		DeviceID:  fields["device_id"],
		TeamID:    fields["team_id"],
		ExpiresAt: expiresAt,
		Revoked:   fields["revoked"] == "1",
	}, true
}

func (m *Manager) saveRefreshRecord(ctx context.Context, rawToken string, rec refreshRecord) error {
	hash := internal.HashSecretHex(rawToken)
	ttl := time.Until(time.Unix(rec.ExpiresAt, 0))
	if ttl <= 0 {
		ttl = time.Minute
	}

	return m.store.Atomically(ctx, func(b store.Batch) {
		key := recordKey(hash)
		b.HSet(key, rec.fields())
		b.Expire(key, ttl)

		// Secondary index for bulk revocation by (user, session). The
		// index outlives individual records by the same TTL window.
		idx := indexKey(rec.UserID, rec.SessionID)
		b.LPush(idx, hash)
		b.Expire(idx, ttl)
	})
}

func (m *Manager) loadRefreshRecord(ctx context.Context, rawToken string) (refreshRecord, bool, error) {
	fields, err := m.store.HGetAll(ctx, recordKey(internal.HashSecretHex(rawToken)))
	if err != nil {
		return refreshRecord{}, false, err
	}
	rec, ok := recordFromFields(fields)
	if !ok {
		return refreshRecord{}, false, nil
	}
	if m.now().Unix() > rec.ExpiresAt {
		return refreshRecord{}, false, nil
	}
	return rec, true, nil
}

// RevokeRefreshToken marks the record for the given raw refresh token as
// revoked. Revoking an unknown or already-revoked token is a no-op.
func (m *Manager) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	key := recordKey(internal.HashSecretHex(rawToken))
	fields, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	if _, ok := recordFromFields(fields); !ok {
		return nil
	}
	return m.store.HSet(ctx, key, map[string]string{"revoked": "1"})
}

// RevokeSessionTokens revokes every refresh token issued to one session
// of a user. Returns the number of records revoked.
func (m *Manager) RevokeSessionTokens(ctx context.Context, userID, sessionID string) (int, error) {
	hashes, err := m.store.LRange(ctx, indexKey(userID, sessionID), 0, -1)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, hash := range hashes {
		key := recordKey(hash)
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil {
			return revoked, err
		}
		rec, ok := recordFromFields(fields)
		if !ok || rec.Revoked {
			continue
		}
		if err := m.store.HSet(ctx, key, map[string]string{"revoked": "1"}); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// RevokeAllRefreshTokens revokes every refresh token held by a user,
// optionally sparing one session (used when a password change should keep
// the current session live). Returns the number of records revoked.
func (m *Manager) RevokeAllRefreshTokens(ctx context.Context, userID, exceptSessionID string) (int, error) {
	keys, err := m.store.ScanPrefix(ctx, indexPrefix+userID+":")
	if err != nil {
		return 0, err
	}

	spared := ""
	if exceptSessionID != "" {
		spared = indexKey(userID, exceptSessionID)
	}

	revoked := 0
	for _, idx := range keys {
		if idx == spared {
			continue
		}
		hashes, err := m.store.LRange(ctx, idx, 0, -1)
		if err != nil {
			return revoked, err
		}
		for _, hash := range hashes {
			key := recordKey(hash)
			fields, err := m.store.HGetAll(ctx, key)
			if err != nil {
				return revoked, err
			}
			rec, ok := recordFromFields(fields)
			if !ok || rec.Revoked {
				continue
			}
			if err := m.store.HSet(ctx, key, map[string]string{"revoked": "1"}); err != nil {
				return revoked, err
			}
			revoked++
		}
	}
	return revoked, nil
}

// CleanupExpiredTokens deletes refresh records past their expiry and
// returns the number removed. The sweep honors ctx cancellation; a partial
// sweep leaves only not-yet-cleaned rows behind.
func (m *Manager) CleanupExpiredTokens(ctx context.Context) (int, error) {
	keys, err := m.store.ScanPrefix(ctx, recordPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	nowUnix := m.now().Unix()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		fields, err := m.store.HGetAll(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return removed, err
			}
			continue
		}
		rec, ok := recordFromFields(fields)
		if ok && nowUnix <= rec.ExpiresAt {
			continue
		}
		if err := m.store.Del(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
