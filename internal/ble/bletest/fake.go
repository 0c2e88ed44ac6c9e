// Package bletest provides an in-memory ble.Transport for tests.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/buzztag/internal/ble"
)

// ErrInjected is the default error returned by scripted failures.
var ErrInjected = errors.New("bletest: injected failure")

// Transport is a scriptable fake radio. The zero value is not usable; call
// NewTransport.
type Transport struct {
	mu sync.Mutex

	permission bool
	radioOn    bool

	scanning   bool
	onSighting func(ble.Sighting)
	scanStarts int

	connectFailures map[string]int
	connectErr      error
	connectBlock    map[string]bool
	connectCalls    map[string]int

	services      []string
	discoverErr   error
	discoverBlock bool
	subscribeErr  error
	writeErr      error
	disconnectErr error

	conns       map[string]*Conn
	disconnects map[string]int
	shutdown    bool
}

// NewTransport returns a fake with permission granted, radio on, and peers
// that advertise the BuzzTag service.
func NewTransport() *Transport {
	return &Transport{
		permission:      true,
		radioOn:         true,
		connectFailures: make(map[string]int),
		connectErr:      ErrInjected,
		connectBlock:    make(map[string]bool),
		connectCalls:    make(map[string]int),
		services:        []string{"00001800-0000-1000-8000-00805f9b34fb", ble.ServiceUUID},
		conns:           make(map[string]*Conn),
		disconnects:     make(map[string]int),
	}
}

var _ ble.Transport = (*Transport)(nil)

// SetPermission sets the RequestPermissions result.
func (t *Transport) SetPermission(granted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permission = granted
}

// SetRadio sets the RadioEnabled result.
func (t *Transport) SetRadio(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.radioOn = on
}

// FailConnect makes the next n Connect calls for id fail.
func (t *Transport) FailConnect(id string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectFailures[id] = n
}

// BlockConnect makes Connect for id wait until its context is done.
func (t *Transport) BlockConnect(id string, block bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectBlock[id] = block
}

// SetServices sets the service list reported by new connections.
func (t *Transport) SetServices(uuids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = uuids
}

// FailDiscover makes DiscoverServices return err (nil clears it).
func (t *Transport) FailDiscover(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverErr = err
}

// BlockDiscover makes DiscoverServices wait until its context is done.
func (t *Transport) BlockDiscover(block bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverBlock = block
}

// FailSubscribe makes Subscribe return err (nil clears it).
func (t *Transport) FailSubscribe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr = err
}

// FailWrite makes Write return err (nil clears it).
func (t *Transport) FailWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// FailDisconnect makes Disconnect return err after closing the link.
func (t *Transport) FailDisconnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectErr = err
}

func (t *Transport) RequestPermissions(_ context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permission
}

func (t *Transport) RadioEnabled(_ context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.radioOn
}

// StartScan records the callback. A second call while scanning replaces it,
// as TinygoTransport does.
func (t *Transport) StartScan(onSighting func(ble.Sighting)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = true
	t.onSighting = onSighting
	t.scanStarts++
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	return nil
}

// Scanning reports whether a scan is running.
func (t *Transport) Scanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

// ScanStarts counts StartScan calls.
func (t *Transport) ScanStarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanStarts
}

// Sight delivers an advertisement to the scan callback, as the radio would.
// It reports whether the sighting was delivered.
func (t *Transport) Sight(s ble.Sighting) bool {
	t.mu.Lock()
	cb := t.onSighting
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning || cb == nil {
		return false
	}
	cb(s)
	return true
}

// Callback returns the most recent scan callback, even after StopScan, so
// tests can simulate a late delivery from the radio.
func (t *Transport) Callback() func(ble.Sighting) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onSighting
}

func (t *Transport) Connect(ctx context.Context, id string) (ble.Connection, error) {
	t.mu.Lock()
	t.connectCalls[id]++
	block := t.connectBlock[id]
	if t.connectFailures[id] > 0 {
		t.connectFailures[id]--
		err := t.connectErr
		t.mu.Unlock()
		return nil, fmt.Errorf("bletest: connect to %s: %w", id, err)
	}
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("bletest: connect to %s: %w", id, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	conn := &Conn{transport: t, id: id, subs: make(map[string]func([]byte)), writes: make(map[string][][]byte)}
	t.conns[id] = conn
	return conn, nil
}

// ConnectCalls counts Connect calls for id.
func (t *Transport) ConnectCalls(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls[id]
}

func (t *Transport) Disconnect(id string) error {
	t.mu.Lock()
	delete(t.conns, id)
	t.disconnects[id]++
	err := t.disconnectErr
	t.mu.Unlock()
	return err
}

// Disconnects counts Disconnect calls for id.
func (t *Transport) Disconnects(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects[id]
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		_ = t.Disconnect(id)
	}
	t.mu.Lock()
	t.scanning = false
	t.shutdown = true
	t.mu.Unlock()
	return nil
}

// IsShutdown reports whether Shutdown was called.
func (t *Transport) IsShutdown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown
}

// Conn returns the open link to id, or nil.
func (t *Transport) Conn(id string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

// Conn is a fake link that records writes and allows injecting
// notifications and link loss.
type Conn struct {
	transport *Transport
	id        string

	mu           sync.Mutex
	subs         map[string]func([]byte)
	writes       map[string][][]byte
	disconnectCb func()
}

func (c *Conn) DiscoverServices(ctx context.Context) ([]string, error) {
	c.transport.mu.Lock()
	block := c.transport.discoverBlock
	err := c.transport.discoverErr
	services := append([]string(nil), c.transport.services...)
	c.transport.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Conn) Write(_ context.Context, charUUID string, data []byte) error {
	c.transport.mu.Lock()
	err := c.transport.writeErr
	c.transport.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes[charUUID] = append(c.writes[charUUID], append([]byte(nil), data...))
	return nil
}

func (c *Conn) Subscribe(charUUID string, cb func([]byte)) error {
	c.transport.mu.Lock()
	err := c.transport.subscribeErr
	c.transport.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[charUUID] = cb
	return nil
}

func (c *Conn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// Writes returns copies of everything written to charUUID.
func (c *Conn) Writes(charUUID string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes[charUUID]))
	copy(out, c.writes[charUUID])
	return out
}

// Subscribed reports whether a callback is registered on charUUID.
func (c *Conn) Subscribed(charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[charUUID] != nil
}

// Notify delivers data to the subscriber on charUUID. It reports whether a
// subscriber received it.
func (c *Conn) Notify(charUUID string, data []byte) bool {
	c.mu.Lock()
	cb := c.subs[charUUID]
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(data)
	return true
}

// Drop simulates the peer going out of range.
func (c *Conn) Drop() {
	c.transport.mu.Lock()
	delete(c.transport.conns, c.id)
	c.transport.mu.Unlock()

	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
