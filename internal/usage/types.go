package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// DefaultFreeDailyLimit is the number of free uses a device gets per calendar day
	DefaultFreeDailyLimit = 3

	// DefaultFeature is the gated feature when callers do not name one
	DefaultFeature = "interpretation"

	// LimitReachedMessage is shown to users who ran out of free uses
	LimitReachedMessage = "Your daily free usage limit has been reached. Upgrade to premium!"

	// PremiumLifetime replaces the expiry for admin users
	PremiumLifetime = "lifetime"

	// Receipt errors
	ErrorInvalidProduct = "Invalid product"
	ErrorNotVerified    = "Purchase not verified"
)

// ErrInvalidDevice is returned when an operation is called without a device id.
var ErrInvalidDevice = errors.New("usage: device id is required")

// Reason explains a quota decision.
type Reason string

const (
	ReasonAdmin        Reason = "admin"
	ReasonPremium      Reason = "premium"
	ReasonFreeQuota    Reason = "free_quota"
	ReasonLimitReached Reason = "limit_reached"
)

// Remaining is either unlimited or a non-negative count. It encodes as the
// JSON string "unlimited" or as a number.
type Remaining struct {
	Unlimited bool
	Count     int64
}

// Unlimited returns the unlimited Remaining value.
func Unlimited() Remaining {
	return Remaining{Unlimited: true}
}

// Count returns a numeric Remaining value.
func Count(n int64) Remaining {
	return Remaining{Count: n}
}

func (r Remaining) String() string {
	if r.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(r.Count, 10)
}

// MarshalJSON implements json.Marshaler.
func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.FormatInt(r.Count, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Remaining) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"unlimited"`)) {
		*r = Unlimited()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid remaining value %s", data)
	}
	*r = Count(n)
	return nil
}

// Snapshot is the usage view of one device at one instant.
type Snapshot struct {
	DeviceID     string    `json:"device_id"`
	TodayUsage   int64     `json:"today_usage"`
	DailyLimit   int64     `json:"daily_limit"`
	Remaining    Remaining `json:"remaining"`
	IsPremium    bool      `json:"is_premium"`
	IsAdmin      bool      `json:"is_admin"`
	PremiumUntil *string   `json:"premium_until"` // "lifetime" for admins, stored expiry, or null
	ShowAds      bool      `json:"show_ads"`
}

// Decision is the answer to "may this device use the feature now".
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    Reason    `json:"reason"`
	Message   string    `json:"message,omitempty"`
	Remaining Remaining `json:"remaining"`
	ShowAds   bool      `json:"show_ads"`
}

// DecisionInput is what a Decider sees.
type DecisionInput struct {
	IsAdmin   bool   `json:"is_admin"`
	IsPremium bool   `json:"is_premium"`
	Remaining int64  `json:"remaining"` // Free uses left today; ignored for premium devices
	Feature   string `json:"feature"`
}

// Receipt is the outcome of a grant or purchase.
type Receipt struct {
	Success      bool   `json:"success"`
	PremiumUntil string `json:"premium_until,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	Error        string `json:"error,omitempty"`
}
