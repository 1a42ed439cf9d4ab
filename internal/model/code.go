package model

import "time"

// Code status values as stored in the activation_codes table.
const (
	StatusUnused = "unused"
	StatusUsed   = "used"
)

// ActivationCode is a single-use credential redeemable exactly once to bind
// a device. UsedByDeviceID and UsedAt are both nil while the code is unused
// and both set once it has been redeemed.
type ActivationCode struct {
	ID             int64      `json:"id" db:"id"`
	Code           string     `json:"code" db:"code"`
	Status         string     `json:"status" db:"status"`
	ExpiresAt      *time.Time `json:"expires_at" db:"expires_at"` // nil = never expires
	UsedByDeviceID *string    `json:"used_by_device_id" db:"used_by_device_id"`
	UsedAt         *time.Time `json:"used_at" db:"used_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the code's expiry instant has passed at t.
// Codes with no expiry never expire.
func (c *ActivationCode) IsExpired(t time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(t)
}

// DeviceStatus is the computed activation state of a device, derived from
// the set of codes ever redeemed by it.
type DeviceStatus struct {
	DeviceID              string           `json:"device_id"`
	IsActivated           bool             `json:"is_activated"`
	CurrentActivation     *ActivationCode  `json:"current_activation,omitempty"`
	HasExpiredActivations bool             `json:"has_expired_activations"`
	History               []ActivationCode `json:"activation_history"`
}

// CleanupStats summarizes how many codes an expired-code sweep can reclaim.
type CleanupStats struct {
	CleanableExpired int64 `json:"cleanable_expired"`
	TotalExpired     int64 `json:"total_expired"`
	TotalCodes       int64 `json:"total_codes"`
	UnusedCodes      int64 `json:"unused_codes"`
	UsedCodes        int64 `json:"used_codes"`
}
