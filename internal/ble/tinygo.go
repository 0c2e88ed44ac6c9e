package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoTransport implements Transport on tinygo-org/bluetooth.
// On macOS device ids are CoreBluetooth UUIDs; on Linux they are MAC
// addresses. Either way the id is the Address string seen while scanning.
type TinygoTransport struct {
	adapter *bluetooth.Adapter
	hci     string

	enableOnce sync.Once
	enableErr  error

	// mu protects everything below.
	mu         sync.Mutex
	scanning   bool
	scanToken  uint64 // identifies the running Scan call
	onSighting func(Sighting)
	seen       map[string]bool
	addrs      map[string]bluetooth.Address
	conns      map[string]*tinygoConnection
}

// NewTinygoTransport creates a transport on the default adapter. hci names
// the Linux controller probed for power state (e.g. "hci0").
func NewTinygoTransport(hci string) *TinygoTransport {
	if hci == "" {
		hci = "hci0"
	}
	return &TinygoTransport{
		adapter: bluetooth.DefaultAdapter,
		hci:     hci,
		seen:    make(map[string]bool),
		addrs:   make(map[string]bluetooth.Address),
		conns:   make(map[string]*tinygoConnection),
	}
}

// Compile-time check that TinygoTransport implements Transport.
var _ Transport = (*TinygoTransport)(nil)

func (t *TinygoTransport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// Fired with connected=false when a peripheral drops.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := device.Address.String()
			t.mu.Lock()
			conn, ok := t.conns[id]
			if ok {
				delete(t.conns, id)
			}
			t.mu.Unlock()
			if ok {
				conn.fireDisconnect()
			}
		})
	})
	return t.enableErr
}

// RequestPermissions enables the adapter. Desktop platforms prompt (or
// refuse) at that point, so a failed Enable means no permission.
func (t *TinygoTransport) RequestPermissions(_ context.Context) bool {
	if err := t.enable(); err != nil {
		slog.Warn("[BLE] adapter unavailable", "error", err)
		return false
	}
	return true
}

func (t *TinygoTransport) RadioEnabled(ctx context.Context) bool {
	powered, err := radioPowered(ctx, t.hci)
	if err == nil {
		return powered
	}
	slog.Debug("[BLE] power probe failed, falling back to enable", "error", err)
	return t.enable() == nil
}

// StartScan begins scanning. While a scan is running it only swaps in the
// new callback.
func (t *TinygoTransport) StartScan(onSighting func(Sighting)) error {
	if err := t.enable(); err != nil {
		return err
	}
	token, start := t.beginScan(onSighting)
	if !start {
		return nil
	}

	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			t.deliver(token, result.Address, Sighting{
				ID:      result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
				HasRSSI: result.RSSI != 0,
			})
		})
		t.scanEnded(token, err)
	}()
	return nil
}

// beginScan installs onSighting and reports whether a new Scan call must be
// started, along with its token.
func (t *TinygoTransport) beginScan(onSighting func(Sighting)) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSighting = onSighting
	if t.scanning {
		return t.scanToken, false
	}
	t.scanning = true
	t.scanToken++
	t.seen = make(map[string]bool)
	return t.scanToken, true
}

// deliver reports a scan result once per id to the current callback.
// Results from a superseded Scan call are ignored.
func (t *TinygoTransport) deliver(token uint64, addr bluetooth.Address, s Sighting) {
	t.mu.Lock()
	if !t.scanning || t.scanToken != token || t.seen[s.ID] {
		t.mu.Unlock()
		return
	}
	t.seen[s.ID] = true
	t.addrs[s.ID] = addr
	cb := t.onSighting
	t.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

// scanEnded runs when a Scan call returns. A later scan keeps running.
func (t *TinygoTransport) scanEnded(token uint64, err error) {
	t.mu.Lock()
	if t.scanToken == token {
		t.scanning = false
	}
	t.mu.Unlock()
	if err != nil {
		slog.Error("[BLE] scan stopped", "error", err)
	}
}

// endScan marks scanning stopped and reports whether it was running.
func (t *TinygoTransport) endScan() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.scanning
	t.scanning = false
	return was
}

func (t *TinygoTransport) StopScan() error {
	if !t.endScan() {
		return nil
	}
	if err := t.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (t *TinygoTransport) Connect(ctx context.Context, id string) (Connection, error) {
	t.mu.Lock()
	addr, ok := t.addrs[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ErrUnknownDevice)
	}

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns promptly.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// Drop a link that completes after the caller gave up.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinygoConnection{
			id:     id,
			hci:    t.hci,
			device: result.device,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
		}
		t.mu.Lock()
		t.conns[id] = conn
		t.mu.Unlock()
		return conn, nil
	}
}

func (t *TinygoTransport) Disconnect(id string) error {
	t.mu.Lock()
	conn, ok := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

func (t *TinygoTransport) Shutdown() error {
	var errs []error
	if err := t.StopScan(); err != nil {
		errs = append(errs, err)
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type tinygoConnection struct {
	id     string
	hci    string
	device bluetooth.Device

	mu           sync.Mutex
	service      *bluetooth.DeviceService
	chars        map[string]bluetooth.DeviceCharacteristic
	charPaths    map[string]string // BlueZ object paths, Linux only
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverServices(ctx context.Context) ([]string, error) {
	type discoverResult struct {
		svcs []bluetooth.DeviceService
		err  error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		svcs, err := c.device.DiscoverServices(nil)
		ch <- discoverResult{svcs, err}
	}()

	var result discoverResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case result = <-ch:
	}
	if result.err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", result.err)
	}

	uuids := make([]string, 0, len(result.svcs))
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range result.svcs {
		uuid := result.svcs[i].UUID().String()
		uuids = append(uuids, uuid)
		if strings.EqualFold(uuid, ServiceUUID) {
			svc := result.svcs[i]
			c.service = &svc
		}
	}
	return uuids, nil
}

// characteristic finds (and caches) a characteristic of the BuzzTag service.
func (c *tinygoConnection) characteristic(charUUID string) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if char, ok := c.chars[charUUID]; ok {
		return char, nil
	}
	if c.service == nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: service %s not found", ServiceUUID)
	}
	parsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	chars, err := c.service.DiscoverCharacteristics([]bluetooth.UUID{parsed})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	c.chars[charUUID] = chars[0]
	return chars[0], nil
}

// Write sends data with a write request, so it returns once the peer has
// acknowledged it.
func (c *tinygoConnection) Write(ctx context.Context, charUUID string, data []byte) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	if err := c.writeRequest(ctx, char, charUUID, data); err != nil {
		return fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return nil
}

func (c *tinygoConnection) Subscribe(charUUID string, cb func([]byte)) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	return char.EnableNotifications(func(buf []byte) {
		// The buffer is reused by the stack between notifications.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
