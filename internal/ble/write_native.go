//go:build darwin || windows

package ble

import (
	"context"

	"tinygo.org/x/bluetooth"
)

// writeRequest uses the stack's write-with-response.
func (c *tinygoConnection) writeRequest(ctx context.Context, char bluetooth.DeviceCharacteristic, _ string, data []byte) error {
	ch := make(chan error, 1)
	go func() {
		_, err := char.Write(data)
		ch <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}
