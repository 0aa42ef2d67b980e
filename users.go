package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/authcore/store"
)

const (
	userPrefix     = "ausr:"
	emailIdxPrefix = "ausre:"
	nameIdxPrefix  = "ausrn:"
	historyPrefix  = "ausrh:"
)

var errUserNotFound = errors.New("user not found")

// userStore owns account records and their lookup indices. A user hash
// and its email/username indices are always written as one group, so a
// crash cannot leave a record reachable by one index but not the other.
type userStore struct {
	store store.Client
	now   func() time.Time
}

func userKey(id string) string       { return userPrefix + id }
func emailKey(email string) string   { return emailIdxPrefix + strings.ToLower(email) }
func usernameKey(name string) string { return nameIdxPrefix + strings.ToLower(name) }
func historyKey(id string) string    { return historyPrefix + id }

func (s *userStore) fields(u *User) map[string]string {
	return map[string]string{
		"email":               u.Email,
		"username":            u.Username,
		"password_hash":       u.PasswordHash,
		"team_id":             u.TeamID,
		"login_attempts":      strconv.Itoa(u.LoginAttempts),
		"locked_until":        strconv.FormatInt(u.LockedUntil, 10),
		"password_changed_at": strconv.FormatInt(u.PasswordChangedAt, 10),
		"created_at":          strconv.FormatInt(u.CreatedAt, 10),
	}
}

func userFromFields(id string, fields map[string]string) (*User, bool) {
	if len(fields) == 0 || fields["email"] == "" {
		return nil, false
	}
	u := &User{
		ID:           id,
		Email:        fields["email"],
		Username:     fields["username"],
		PasswordHash: fields["password_hash"],
		TeamID:       fields["team_id"],
	}
	u.LoginAttempts, _ = strconv.Atoi(fields["login_attempts"])
	u.LockedUntil, _ = strconv.ParseInt(fields["locked_until"], 10, 64)
	u.PasswordChangedAt, _ = strconv.ParseInt(fields["password_changed_at"], 10, 64)
	u.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	return u, true
}

// create persists a new user and both indices in one grouped write. The
// caller checks for index collisions first.
func (s *userStore) create(ctx context.Context, email, username, passwordHash string) (*User, error) {
	now := s.now().Unix()
	u := &User{
		ID:                uuid.NewString(),
		Email:             email,
		Username:          username,
		PasswordHash:      passwordHash,
		PasswordChangedAt: now,
		CreatedAt:         now,
	}
	err := s.store.Atomically(ctx, func(b store.Batch) {
		b.HSet(userKey(u.ID), s.fields(u))
		b.Set(emailKey(email), u.ID, 0)
		b.Set(usernameKey(username), u.ID, 0)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *userStore) byID(ctx context.Context, id string) (*User, error) {
	fields, err := s.store.HGetAll(ctx, userKey(id))
	if err != nil {
		return nil, err
	}
	u, ok := userFromFields(id, fields)
	if !ok {
		return nil, errUserNotFound
	}
	return u, nil
}

func (s *userStore) byEmail(ctx context.Context, email string) (*User, error) {
	id, err := s.store.Get(ctx, emailKey(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.byID(ctx, id)
}

func (s *userStore) emailTaken(ctx context.Context, email string) (bool, error) {
	_, err := s.store.Get(ctx, emailKey(email))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *userStore) usernameTaken(ctx context.Context, name string) (bool, error) {
	_, err := s.store.Get(ctx, usernameKey(name))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// recordFailedLogin bumps the attempt counter and, at the threshold,
// arms the lockout window in the same write.
func (s *userStore) recordFailedLogin(ctx context.Context, u *User, threshold int, lockout time.Duration) error {
	attempts := u.LoginAttempts + 1
	fields := map[string]string{
		"login_attempts": strconv.Itoa(attempts),
	}
	if attempts >= threshold {
		fields["locked_until"] = strconv.FormatInt(s.now().Add(lockout).Unix(), 10)
	}
	return s.store.HSet(ctx, userKey(u.ID), fields)
}

// clearLoginState resets the attempt counter and lockout after a
// successful authentication.
func (s *userStore) clearLoginState(ctx context.Context, userID string) error {
	return s.store.HSet(ctx, userKey(userID), map[string]string{
		"login_attempts": "0",
		"locked_until":   "0",
	})
}

func (s *userStore) setTeam(ctx context.Context, userID, teamID string) error {
	return s.store.HSet(ctx, userKey(userID), map[string]string{"team_id": teamID})
}

// setPassword swaps the stored hash, stamps the change time, and pushes
// the previous hash onto the bounded reuse-prevention history.
func (s *userStore) setPassword(ctx context.Context, u *User, newHash string, historySize int) error {
	return s.store.Atomically(ctx, func(b store.Batch) {
		b.HSet(userKey(u.ID), map[string]string{
			"password_hash":       newHash,
			"password_changed_at": strconv.FormatInt(s.now().Unix(), 10),
		})
		if historySize > 0 {
			b.LPush(historyKey(u.ID), u.PasswordHash)
			b.LTrim(historyKey(u.ID), 0, int64(historySize-1))
		}
	})
}

// passwordHistory returns the previous hashes, newest first.
func (s *userStore) passwordHistory(ctx context.Context, userID string, historySize int) ([]string, error) {
	if historySize <= 0 {
		return nil, nil
	}
	return s.store.LRange(ctx, historyKey(userID), 0, int64(historySize-1))
}
