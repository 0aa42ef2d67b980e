package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/authcore/internal"
	"github.com/harborline/authcore/store"
)

const resetPrefix = "arst:"

// resetStore holds password-reset challenges. Tokens live in the store
// only as SHA-256 hashes, bound to a user id, and are deleted the moment
// they are consumed.
type resetStore struct {
	store store.Client
	ttl   time.Duration
}

func resetKey(rawToken string) string {
	return resetPrefix + internal.HashSecretHex(rawToken)
}

// issue mints a raw reset token for the user and stores its hash with
// the configured TTL. The raw token is returned exactly once.
func (s *resetStore) issue(ctx context.Context, userID string) (string, error) {
	raw, err := internal.NewSecret()
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, resetKey(raw), userID, s.ttl); err != nil {
		return "", err
	}
	return raw, nil
}

// resolve looks the challenge up without consuming it, so a rejected
// new password does not burn the token. A token that is unknown,
// expired, or already consumed resolves to "".
func (s *resetStore) resolve(ctx context.Context, rawToken string) (string, error) {
	userID, err := s.store.Get(ctx, resetKey(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// consume resolves and deletes the challenge in one atomic read-delete,
// so concurrent consumers of the same token see it at most once.
func (s *resetStore) consume(ctx context.Context, rawToken string) (string, error) {
	userID, err := s.store.GetDel(ctx, resetKey(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}
