// Package ble provides the radio transport used to discover BuzzTag peers and
// exchange payloads with them over Bluetooth Low Energy.
package ble

import (
	"context"
	"errors"
	"strings"
)

// BuzzTag BLE UUIDs
const (
	ServiceUUID     = "62757a7a-7461-4700-a000-000000000001"
	MessageCharUUID = "62757a7a-7461-4700-a000-000000000002"
	ProfileCharUUID = "62757a7a-7461-4700-a000-000000000003"
)

var (
	// ErrNotConnected is returned for operations on a peer with no open link.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrUnknownDevice is returned when connecting to an id never sighted.
	ErrUnknownDevice = errors.New("ble: unknown device")
)

// Sighting is one advertisement observed during a scan.
type Sighting struct {
	ID      string // transport-assigned stable identifier
	Name    string // advertised local name, may be empty
	RSSI    int
	HasRSSI bool
}

// Connection is an open link to one peer.
type Connection interface {
	// DiscoverServices lists the service UUIDs offered by the peer. It must
	// complete before Write or Subscribe.
	DiscoverServices(ctx context.Context) ([]string, error)
	// Write sends data to a characteristic of the BuzzTag service and waits
	// for the peer's acknowledgement.
	Write(ctx context.Context, charUUID string, data []byte) error
	// Subscribe registers a callback for notifications on a characteristic.
	Subscribe(charUUID string, callback func(data []byte)) error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Transport abstracts the BLE radio for the discovery and session layers.
type Transport interface {
	// RequestPermissions asks the platform for radio access. Scanning must
	// not start unless it returns true.
	RequestPermissions(ctx context.Context) bool
	// RadioEnabled reports whether the radio is powered on.
	RadioEnabled(ctx context.Context) bool
	// StartScan begins continuous scanning and returns immediately.
	// onSighting is invoked once per newly seen device id. Calling it while
	// already scanning replaces onSighting for the running scan.
	StartScan(onSighting func(Sighting)) error
	// StopScan halts scanning. Safe to call when not scanning.
	StopScan() error
	// Connect opens a link to a previously sighted device.
	Connect(ctx context.Context, id string) (Connection, error)
	// Disconnect closes the link to id.
	Disconnect(id string) error
	// Shutdown closes every open link, then releases the radio.
	Shutdown() error
}

// HasService reports whether uuid appears in services, ignoring case.
func HasService(services []string, uuid string) bool {
	for _, s := range services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}
