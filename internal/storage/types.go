package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar-day key format used in usage maps.
const DateLayout = "2006-01-02"

// legacyTimestampLayout matches naive ISO timestamps (no zone) written by
// older deployments. They are interpreted in the server's local zone.
const legacyTimestampLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is an absolute instant that also decodes legacy naive values.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a pointer to a Timestamp for t.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

// UnmarshalJSON implements json.Unmarshaler accepting RFC 3339 and legacy naive ISO values.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	ts.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler, always emitting RFC 3339.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Format(time.RFC3339Nano))
}

// String returns the RFC 3339 form.
func (ts Timestamp) String() string {
	return ts.Format(time.RFC3339Nano)
}

// ParseTimestamp parses RFC 3339 first and falls back to the naive layout.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// DeviceRecord is the persisted state of one device.
type DeviceRecord struct {
	DeviceID     string           `json:"-"`
	Usage        map[string]int64 `json:"usage"`
	Premium      bool             `json:"premium"`
	PremiumUntil *Timestamp       `json:"premium_until"`
}

// NewDeviceRecord returns the default record for a device seen for the first time.
func NewDeviceRecord(deviceID string) *DeviceRecord {
	return &DeviceRecord{
		DeviceID: deviceID,
		Usage:    make(map[string]int64),
	}
}

// Normalize fills in fields that older documents may have omitted.
func (r *DeviceRecord) Normalize(deviceID string) {
	r.DeviceID = deviceID
	if r.Usage == nil {
		r.Usage = make(map[string]int64)
	}
}

// UsageOn returns the counter for a date key, 0 when absent.
func (r *DeviceRecord) UsageOn(date string) int64 {
	return r.Usage[date]
}

// PremiumActive reports whether the premium window is open at now.
func (r *DeviceRecord) PremiumActive(now time.Time) bool {
	if !r.Premium || r.PremiumUntil == nil {
		return false
	}
	return r.PremiumUntil.After(now)
}

// PruneBefore removes date keys lexically before cutoff (YYYY-MM-DD sorts
// chronologically). Keys that are not dates are kept.
func (r *DeviceRecord) PruneBefore(cutoff string) int {
	removed := 0
	for date := range r.Usage {
		if _, err := time.Parse(DateLayout, date); err != nil {
			continue
		}
		if date < cutoff {
			delete(r.Usage, date)
			removed++
		}
	}
	return removed
}

// Clone returns a deep copy of the record.
func (r *DeviceRecord) Clone() *DeviceRecord {
	out := &DeviceRecord{
		DeviceID: r.DeviceID,
		Usage:    make(map[string]int64, len(r.Usage)),
		Premium:  r.Premium,
	}
	for k, v := range r.Usage {
		out.Usage[k] = v
	}
	if r.PremiumUntil != nil {
		out.PremiumUntil = NewTimestamp(r.PremiumUntil.Time)
	}
	return out
}

// SortRecords orders records by device id so listings are stable.
func SortRecords(records []DeviceRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceID < records[j].DeviceID
	})
}

// Platform identifies the client platform of a push token.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// UnmarshalJSON implements json.Unmarshaler to normalize platform to lowercase.
func (p *Platform) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParsePlatform(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePlatform normalizes a platform name. Empty input means android.
func ParsePlatform(s string) (Platform, error) {
	normalized := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch normalized {
	case "":
		return PlatformAndroid, nil
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid platform: %s (must be android, ios, or web)", s)
	}
}

// PushToken is a messaging registration token owned by a user.
type PushToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  Platform  `json:"platform"`
	UpdatedAt time.Time `json:"updated_at"`
}
