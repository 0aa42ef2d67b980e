package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	resetSecretSize = 32
	backupAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewSecret returns a base64url-encoded 256-bit random secret. Used for
// password reset tokens and invitation redemption nonces.
func NewSecret() (string, error) {
	var raw [resetSecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashSecret returns the SHA-256 digest of a secret string. Raw secrets are
// never persisted; only this digest is.
func HashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// HashSecretHex returns the hex form of HashSecret, suitable as a store key.
func HashSecretHex(secret string) string {
	sum := HashSecret(secret)
	return hex.EncodeToString(sum[:])
}

// SaltedHash returns SHA-256(salt || ":" || value). Backup codes are stored
// under a per-user salt so equal codes across users hash differently.
func SaltedHash(salt, value string) [32]byte {
	return sha256.Sum256([]byte(salt + ":" + value))
}

// Fingerprint derives a stable device fingerprint from the device type,
// name, network origin, and user agent.
func Fingerprint(deviceType, deviceName, origin, userAgent string) string {
	sum := sha256.Sum256([]byte(deviceType + "|" + deviceName + "|" + origin + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}

// NewBackupCode returns a human-enterable backup code of the form
// XXXXX-XXXXX drawn from an unambiguous alphabet.
func NewBackupCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	for i, r := range raw {
		if i == 5 {
			b.WriteByte('-')
		}
		b.WriteByte(backupAlphabet[int(r)%len(backupAlphabet)])
	}
	return b.String(), nil
}

// CanonicalizeCode normalizes user-entered codes: uppercase, no spaces or
// dashes.
func CanonicalizeCode(code string) string {
	replacer := strings.NewReplacer(" ", "", "-", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(code)))
}
