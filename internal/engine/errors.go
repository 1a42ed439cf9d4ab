package engine

import "errors"

// Redemption failure taxonomy. Handlers collapse all four into one generic
// external message so callers cannot probe which case occurred; internal
// logs keep the specific reason.
var (
	ErrCodeNotFound           = errors.New("activation code not found")
	ErrCodeAlreadyUsed        = errors.New("activation code already used")
	ErrCodeExpired            = errors.New("activation code expired")
	ErrDeviceAlreadyActivated = errors.New("device already holds a valid activation")
)

// IsRedemptionFailure reports whether err is one of the expected redemption
// outcomes, as opposed to an infrastructure error.
func IsRedemptionFailure(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeAlreadyUsed) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrDeviceAlreadyActivated)
}
