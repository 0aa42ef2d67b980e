package twofactor

import (
	"context"
	"encoding/json"
	"log"
)

// TrustedDevice is a time-bounded exemption from step-up verification.
type TrustedDevice struct {
	DeviceID  string `json:"-"`
	Name      string `json:"name"`
	TrustedAt int64  `json:"trusted_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// TrustDevice upserts a trust record for the device, valid for the
// configured horizon from now.
func (m *Manager) TrustDevice(ctx context.Context, userID, deviceID, name string) error {
	now := m.now()
	raw, err := json.Marshal(TrustedDevice{
		Name:      name,
		TrustedAt: now.Unix(),
		ExpiresAt: now.Add(m.cfg.TrustTTL).Unix(),
	})
	if err != nil {
		return err
	}
	return m.store.HSet(ctx, deviceKey(userID), map[string]string{deviceID: string(raw)})
}

// IsDeviceTrusted reports whether the device holds an unexpired trust
// record. An expired record reads as untrusted and is removed on the
// way out; removal failures only log, the answer stands.
func (m *Manager) IsDeviceTrusted(ctx context.Context, userID, deviceID string) (bool, error) {
	fields, err := m.store.HGetAll(ctx, deviceKey(userID))
	if err != nil {
		return false, err
	}
	raw, ok := fields[deviceID]
	if !ok {
		return false, nil
	}

	var dev TrustedDevice
	if err := json.Unmarshal([]byte(raw), &dev); err != nil {
		return false, nil
	}
	if m.now().Unix() >= dev.ExpiresAt {
		if err := m.store.HDel(ctx, deviceKey(userID), deviceID); err != nil {
			log.Print("authcore: expired device trust cleanup failed")
		}
		return false, nil
	}
	return true, nil
}

// RevokeDeviceTrust removes one device's trust record. Unknown devices
// are a no-op.
func (m *Manager) RevokeDeviceTrust(ctx context.Context, userID, deviceID string) error {
	return m.store.HDel(ctx, deviceKey(userID), deviceID)
}

// trustedDevices returns the unexpired trust records for a user.
func (m *Manager) trustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error) {
	fields, err := m.store.HGetAll(ctx, deviceKey(userID))
	if err != nil {
		return nil, err
	}

	now := m.now().Unix()
	out := make([]TrustedDevice, 0, len(fields))
	for id, raw := range fields {
		var dev TrustedDevice
		if err := json.Unmarshal([]byte(raw), &dev); err != nil {
			continue
		}
		if now >= dev.ExpiresAt {
			continue
		}
		dev.DeviceID = id
		out = append(out, dev)
	}
	return out, nil
}

// TrustedDevices is the exported view of a user's unexpired trusted
// devices.
func (m *Manager) TrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error) {
	return m.trustedDevices(ctx, userID)
}
