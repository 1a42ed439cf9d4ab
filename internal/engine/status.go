package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/store"
)

// ResolveStatus computes a device's activation state from its redemption
// history. Read-only; three independent projections:
//
//   - IsActivated / CurrentActivation: the most recently redeemed code that
//     is still unexpired, if any.
//   - HasExpiredActivations: whether any redeemed code has lapsed, letting
//     callers distinguish "never activated" from "activation lapsed".
//   - History: every code ever bound to the device, most recent first.
func (e *Engine) ResolveStatus(ctx context.Context, deviceID string) (*model.DeviceStatus, error) {
	now := e.now().UTC()

	status := &model.DeviceStatus{DeviceID: deviceID}

	current, err := e.store.DeviceCurrentActivation(ctx, deviceID, now)
	switch {
	case err == nil:
		status.IsActivated = true
		status.CurrentActivation = current
	case errors.Is(err, store.ErrNotFound):
		// not currently activated
	default:
		return nil, fmt.Errorf("resolve current activation: %w", err)
	}

	expired, err := e.store.DeviceHasExpiredActivations(ctx, deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("resolve expired activations: %w", err)
	}
	status.HasExpiredActivations = expired

	history, err := e.store.DeviceHistory(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve device history: %w", err)
	}
	status.History = history

	return status, nil
}
