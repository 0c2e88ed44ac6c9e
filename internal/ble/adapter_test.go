package ble

import (
	"strings"
	"testing"
)

func TestHasService(t *testing.T) {
	services := []string{"00001800-0000-1000-8000-00805f9b34fb", strings.ToUpper(ServiceUUID)}

	if !HasService(services, ServiceUUID) {
		t.Error("HasService should match the BuzzTag service regardless of case")
	}
	if HasService(services, MessageCharUUID) {
		t.Error("HasService matched a UUID that is not in the list")
	}
	if HasService(nil, ServiceUUID) {
		t.Error("HasService(nil) = true")
	}
}

func TestUUIDsShareServiceBase(t *testing.T) {
	base := ServiceUUID[:len(ServiceUUID)-1]
	for _, u := range []string{MessageCharUUID, ProfileCharUUID} {
		if !strings.HasPrefix(u, base) {
			t.Errorf("%s does not share the service base %s", u, base)
		}
		if u == ServiceUUID {
			t.Errorf("characteristic %s collides with the service UUID", u)
		}
	}
}

func TestTinygoTransportImplementsInterface(t *testing.T) {
	var _ Transport = (*TinygoTransport)(nil)
}
