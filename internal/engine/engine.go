// Package engine implements the activation-code redemption state machine and
// the device status read path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/store"
)

// Engine owns the Unused→Used transition and the administrative resets that
// undo it. All redemption logic runs inside a single store transaction so
// concurrent attempts serialize on row locks.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a redemption engine backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: time.Now}
}

// Redeem validates and redeems a code for a device. The code must already be
// normalized and format-checked by the caller; the engine assumes well-formed
// input and enforces only the state invariants:
//
//  1. A per-device lock is taken so concurrent redemptions for the same
//     device run one at a time, even when the device holds no rows yet.
//  2. The device must not already hold a live activation. This is checked
//     before the code itself, so a device with a valid activation is rejected
//     even when the presented code would be perfectly redeemable.
//  3. The code row is locked and fetched; missing, used, and expired codes
//     each fail with their own sentinel.
//
// On success exactly one row is mutated; every failure path leaves the store
// untouched.
func (e *Engine) Redeem(ctx context.Context, code, deviceID string) (*model.ActivationCode, error) {
	var redeemed *model.ActivationCode
	now := e.now().UTC()

	err := e.store.Transact(ctx, func(tx *store.Tx) error {
		if err := tx.LockDevice(ctx, deviceID); err != nil {
			return err
		}
		live, err := tx.LiveDeviceCodes(ctx, deviceID, now)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			return ErrDeviceAlreadyActivated
		}

		row, err := tx.GetCodeForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrCodeNotFound
			}
			return err
		}
		if row.Status == model.StatusUsed {
			return ErrCodeAlreadyUsed
		}
		if row.IsExpired(now) {
			return ErrCodeExpired
		}

		if err := tx.MarkCodeUsed(ctx, row.ID, deviceID, now); err != nil {
			return err
		}

		row.Status = model.StatusUsed
		row.UsedByDeviceID = &deviceID
		row.UsedAt = &now
		redeemed = row
		return nil
	})
	if err != nil {
		if IsRedemptionFailure(err) {
			e.logger.Info("redemption rejected",
				"device_id", deviceID, "reason", err.Error())
			return nil, err
		}
		return nil, fmt.Errorf("redeem transaction: %w", err)
	}

	e.logger.Info("code redeemed",
		"code_id", redeemed.ID, "device_id", deviceID)
	return redeemed, nil
}

// ResetCode releases a single code back to unused, clearing its device
// binding. Resetting an already-unused or nonexistent code is a no-op;
// the returned bool reports whether a row actually changed.
func (e *Engine) ResetCode(ctx context.Context, codeID int64) (bool, error) {
	changed, err := e.store.ResetCode(ctx, codeID)
	if err != nil {
		return false, fmt.Errorf("reset code %d: %w", codeID, err)
	}
	if changed {
		e.logger.Info("code reset", "code_id", codeID)
	}
	return changed, nil
}

// ResetDevice releases all of a device's currently valid activations and
// returns how many codes were freed. Expired rows stay untouched as audit
// history.
func (e *Engine) ResetDevice(ctx context.Context, deviceID string) (int64, error) {
	n, err := e.store.ResetDeviceCodes(ctx, deviceID, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset device %s: %w", deviceID, err)
	}
	e.logger.Info("device reset", "device_id", deviceID, "codes_released", n)
	return n, nil
}

// CleanupExpired deletes expired codes that were never redeemed and returns
// the number removed.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := e.store.DeleteExpiredUnused(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired codes: %w", err)
	}
	if n > 0 {
		e.logger.Info("expired codes cleaned up", "deleted", n)
	}
	return n, nil
}
