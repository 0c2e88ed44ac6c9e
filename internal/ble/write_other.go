//go:build !darwin && !windows && !linux

package ble

import (
	"context"

	"tinygo.org/x/bluetooth"
)

// writeRequest falls back to a write command: the HCI stacks have no
// write-with-response, so delivery is not acknowledged here.
func (c *tinygoConnection) writeRequest(_ context.Context, char bluetooth.DeviceCharacteristic, _ string, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
