package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/authcore/store"
)

const (
	keyringKey   = "akr:signing"
	currentField = "_current"
)

// ErrUnknownKeyID is returned when a token names a kid the keyring does not
// hold.
var ErrUnknownKeyID = errors.New("unknown signing key id")

type keyEntry struct {
	Private   string `json:"priv"`
	Public    string `json:"pub"`
	CreatedAt int64  `json:"created_at"`
	// RetiredAt is zero while the key is current; set when a newer key
	// takes over. The key still verifies until removal.
	RetiredAt int64 `json:"retired_at,omitempty"`
}

// Keyring owns the ed25519 signing-key set: one current key for new
// signatures, any number of retired keys kept for verification until the
// maximum token lifetime has passed since they stopped being current.
type Keyring struct {
	store store.Client
	now   func() time.Time

	// removal happens only after retirement grace + the longest token
	// lifetime, so every outstanding signature stays verifiable
	grace    time.Duration
	maxToken time.Duration

	mu      sync.RWMutex
	keys    map[string]keyEntry
	current string
}

// NewKeyring builds an empty keyring; call Initialize before use.
func NewKeyring(st store.Client, grace, maxTokenLifetime time.Duration) *Keyring {
	return &Keyring{
		store:    st,
		now:      time.Now,
		grace:    grace,
		maxToken: maxTokenLifetime,
		keys:     make(map[string]keyEntry),
	}
}

// Initialize loads persisted key material, generating and persisting a
// first key pair when none exists.
func (k *Keyring) Initialize(ctx context.Context) error {
	fields, err := k.store.HGetAll(ctx, keyringKey)
	if err != nil {
		return err
	}

	keys := make(map[string]keyEntry, len(fields))
	current := fields[currentField]
	for kid, raw := range fields {
		if kid == currentField {
			continue
		}
		var entry keyEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("corrupt signing key %s: %w", kid, err)
		}
		keys[kid] = entry
	}

	if current == "" || keys[current].Private == "" {
		kid, entry, err := generateKeyEntry(k.now())
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := k.store.HSet(ctx, keyringKey, map[string]string{
			kid:          string(raw),
			currentField: kid,
		}); err != nil {
			return err
		}
		keys[kid] = entry
		current = kid
	}

	k.mu.Lock()
	k.keys = keys
	k.current = current
	k.mu.Unlock()
	return nil
}

// Rotate generates a new current key, marks the previous one retired, and
// removes keys whose retirement predates the verification window. The
// update is built from a snapshot and persisted before the in-memory
// swap; the lock is never held across a store round trip.
func (k *Keyring) Rotate(ctx context.Context) error {
	now := k.now()
	kid, entry, err := generateKeyEntry(now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	k.mu.RLock()
	prevID := k.current
	prev, hasPrev := k.keys[prevID]
	horizon := k.grace + k.maxToken
	var remove []string
	for id, e := range k.keys {
		if e.RetiredAt != 0 && now.Sub(time.Unix(e.RetiredAt, 0)) > horizon {
			remove = append(remove, id)
		}
	}
	k.mu.RUnlock()

	fields := map[string]string{
		kid:          string(raw),
		currentField: kid,
	}
	if hasPrev && prevID != "" {
		prev.RetiredAt = now.Unix()
		prevRaw, err := json.Marshal(prev)
		if err != nil {
			return err
		}
		fields[prevID] = string(prevRaw)
	}

	if err := k.store.HSet(ctx, keyringKey, fields); err != nil {
		return err
	}
	if len(remove) > 0 {
		if err := k.store.HDel(ctx, keyringKey, remove...); err != nil {
			return err
		}
	}

	k.mu.Lock()
	if hasPrev && prevID != "" {
		k.keys[prevID] = prev
	}
	k.keys[kid] = entry
	k.current = kid
	for _, id := range remove {
		delete(k.keys, id)
	}
	k.mu.Unlock()
	return nil
}

// SigningKey returns the current key id and private key.
func (k *Keyring) SigningKey() (string, ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.keys[k.current]
	if !ok {
		return "", nil, errors.New("keyring not initialized")
	}
	priv, err := decodePrivate(entry.Private)
	if err != nil {
		return "", nil, err
	}
	return k.current, priv, nil
}

// VerificationKey returns the public key for a kid. Retired keys remain
// valid here until pruned.
func (k *Keyring) VerificationKey(kid string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.keys[kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	return decodePublic(entry.Public)
}

// KeyIDs returns all held key ids, current first. Reporting only.
func (k *Keyring) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]string, 0, len(k.keys))
	if k.current != "" {
		out = append(out, k.current)
	}
	for kid := range k.keys {
		if kid != k.current {
			out = append(out, kid)
		}
	}
	return out
}

// StartRotation rotates on the given interval until ctx is cancelled.
func (k *Keyring) StartRotation(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := k.Rotate(ctx); err != nil {
					log.Print("authcore: signing key rotation failed")
				}
			}
		}
	}()
}

func generateKeyEntry(now time.Time) (string, keyEntry, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", keyEntry{}, err
	}
	return uuid.NewString(), keyEntry{
		Private:   base64.StdEncoding.EncodeToString(priv),
		Public:    base64.StdEncoding.EncodeToString(pub),
		CreatedAt: now.Unix(),
	}, nil
}

func decodePrivate(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	return ed25519.PrivateKey(raw), nil
}

func decodePublic(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key")
	}
	return ed25519.PublicKey(raw), nil
}
