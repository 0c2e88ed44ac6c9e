//go:build linux

package ble

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus     = "org.bluez"
	bluezAdapter = "org.bluez.Adapter1"
)

// radioPowered reads the BlueZ adapter's Powered property over the system bus.
func radioPowered(_ context.Context, hci string) (bool, error) {
	// SystemBus returns a shared connection; it must not be closed here.
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: connect to system DBus: %w", err)
	}
	obj := conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+hci))
	variant, err := obj.GetProperty(bluezAdapter + ".Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read %s Powered: %w", hci, err)
	}
	powered, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s Powered has unexpected type %T", hci, variant.Value())
	}
	return powered, nil
}
