package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeviceInfo describes the client device a session was created from.
type DeviceInfo struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
}

// Session is one authenticated device session. ExpiresAt tracks
// LastActivity + TTL while rolling mode is on; an inactive session is
// logically deleted and never returned by lookups.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	TeamID            string     `json:"teamId,omitempty"`
	DeviceID          string     `json:"deviceId"`
	Device            DeviceInfo `json:"device"`
	Origin            string     `json:"origin,omitempty"`
	UserAgent         string     `json:"userAgent,omitempty"`
	IsActive          bool       `json:"isActive"`
	TwoFactorVerified bool       `json:"twoFactorVerified"`
	Permissions       []string   `json:"permissions,omitempty"`
	LastActivity      int64      `json:"lastActivity"`
	CreatedAt         int64      `json:"createdAt"`
	ExpiresAt         int64      `json:"expiresAt"`
}

// ActivityEntry is one row in a session's bounded, newest-first audit log.
type ActivityEntry struct {
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Stats is the read-only reporting view over the session population.
type Stats struct {
	Active          int            `json:"active"`
	Expired         int            `json:"expired"`
	ByDeviceType    map[string]int `json:"byDeviceType"`
	CreatedLast24h  int            `json:"createdLast24h"`
	MeanDurationSec int64          `json:"meanDurationSec"`
}

func (s *Session) fields() (map[string]string, error) {
	device, err := json.Marshal(s.Device)
	if err != nil {
		return nil, err
	}
	perms, err := json.Marshal(s.Permissions)
	if err != nil {
		return nil, err
	}

	active := "0"
	if s.IsActive {
		active = "1"
	}
	verified := "0"
	if s.TwoFactorVerified {
		verified = "1"
	}

	return map[string]string{
		"user_id":       s.UserID,
		"team_id":       s.TeamID,
		"device_id":     s.DeviceID,
		"device":        string(device),
		"origin":        s.Origin,
		"user_agent":    s.UserAgent,
		"is_active":     active,
		"tfa_verified":  verified,
		"permissions":   string(perms),
		"last_activity": strconv.FormatInt(s.LastActivity, 10),
		"created_at":    strconv.FormatInt(s.CreatedAt, 10),
		"expires_at":    strconv.FormatInt(s.ExpiresAt, 10),
	}, nil
}

func sessionFromFields(id string, fields map[string]string) (*Session, bool) {
	if len(fields) == 0 || fields["user_id"] == "" {
		return nil, false
	}

	s := &Session{
		ID:                id,
		UserID:            fields["user_id"],
		TeamID:            fields["team_id"],
		DeviceID:          fields["device_id"],
		Origin:            fields["origin"],
		UserAgent:         fields["user_agent"],
		IsActive:          fields["is_active"] == "1",
		TwoFactorVerified: fields["tfa_verified"] == "1",
	}

	if raw := fields["device"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Device); err != nil {
			return nil, false
		}
	}
	if raw := fields["permissions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Permissions); err != nil {
			return nil, false
		}
	}

	var err error
	if s.LastActivity, err = strconv.ParseInt(fields["last_activity"], 10, 64); err != nil {
		return nil, false
	}
	if s.CreatedAt, err = strconv.ParseInt(fields["created_at"], 10, 64); err != nil {
		return nil, false
	}
	if s.ExpiresAt, err = strconv.ParseInt(fields["expires_at"], 10, 64); err != nil {
		return nil, false
	}
	return s, true
}

func (s *Session) expired(now time.Time) bool {
	return now.Unix() > s.ExpiresAt
}
