//go:build !linux

package ble

import (
	"context"
	"errors"
)

// radioPowered has no out-of-band probe off Linux; callers fall back to
// enabling the adapter.
func radioPowered(_ context.Context, _ string) (bool, error) {
	return false, errors.New("ble: radio power probe unsupported on this platform")
}
