//go:build linux

package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezCharacteristic    = "org.bluez.GattCharacteristic1"
	bluezGetManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// writeRequest calls BlueZ WriteValue with type=request. The BlueZ backend of
// tinygo-org/bluetooth only offers write commands, which the peer never
// acknowledges.
func (c *tinygoConnection) writeRequest(ctx context.Context, _ bluetooth.DeviceCharacteristic, charUUID string, data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system DBus: %w", err)
	}
	path, err := c.bluezCharPath(ctx, conn, charUUID)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	return conn.Object(bluezBus, path).CallWithContext(ctx, bluezCharacteristic+".WriteValue", 0, data, opts).Err
}

// bluezCharPath finds (and caches) the object path of charUUID on this
// connection's device.
func (c *tinygoConnection) bluezCharPath(ctx context.Context, conn *dbus.Conn, charUUID string) (dbus.ObjectPath, error) {
	c.mu.Lock()
	cached, ok := c.charPaths[charUUID]
	c.mu.Unlock()
	if ok {
		return dbus.ObjectPath(cached), nil
	}

	var objects managedObjects
	if err := conn.Object(bluezBus, "/").CallWithContext(ctx, bluezGetManagedObjects, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("list BlueZ objects: %w", err)
	}
	device := devicePath(c.hci, c.id)
	path, ok := findCharacteristic(objects, device, charUUID)
	if !ok {
		return "", fmt.Errorf("characteristic %s not found under %s", charUUID, device)
	}

	c.mu.Lock()
	if c.charPaths == nil {
		c.charPaths = make(map[string]string)
	}
	c.charPaths[charUUID] = string(path)
	c.mu.Unlock()
	return path, nil
}

// devicePath is the BlueZ object path of the device with address addr.
func devicePath(hci, addr string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + hci + "/dev_" + strings.ToUpper(strings.ReplaceAll(addr, ":", "_")))
}

// findCharacteristic returns the first characteristic path, in path order,
// below device whose UUID is charUUID.
func findCharacteristic(objects managedObjects, device dbus.ObjectPath, charUUID string) (dbus.ObjectPath, bool) {
	prefix := string(device) + "/"
	var found []dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezCharacteristic]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		if strings.EqualFold(uuid, charUUID) {
			found = append(found, path)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found[0], true
}
