// Package models holds the value types shared by the discovery, session and
// messaging packages.
package models

import "time"

// MaxMessageChars is the longest message text, counted in characters.
const MaxMessageChars = 500

// PeerDevice is a discovered radio peer.
type PeerDevice struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"name"`
	RSSI        int       `json:"rssi,omitempty"`
	HasRSSI     bool      `json:"hasRssi,omitempty"`
	FirstSeenAt time.Time `json:"timestamp"`
	Verified    bool      `json:"verified,omitempty"`
}

// Signal buckets the peer's RSSI into a qualitative proximity.
func (p PeerDevice) Signal() Signal {
	if !p.HasRSSI {
		return SignalUnknown
	}
	return ClassifyRSSI(p.RSSI)
}

// Signal is a qualitative received-signal bucket.
type Signal string

const (
	SignalUnknown   Signal = "Unknown"
	SignalExcellent Signal = "Excellent"
	SignalGood      Signal = "Good"
	SignalFair      Signal = "Fair"
	SignalWeak      Signal = "Weak"
)

// ClassifyRSSI maps a received signal strength in dBm to a Signal.
// Zero is treated as "not reported".
func ClassifyRSSI(rssi int) Signal {
	switch {
	case rssi == 0:
		return SignalUnknown
	case rssi > -60:
		return SignalExcellent
	case rssi > -70:
		return SignalGood
	case rssi > -80:
		return SignalFair
	default:
		return SignalWeak
	}
}

// Direction tells whether a message was sent or received locally.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Message is one chat turn.
type Message struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peerId"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is a step of the per-peer connection state machine.
type SessionState string

const (
	StateIdle          SessionState = "Idle"
	StateConnecting    SessionState = "Connecting"
	StateVerifying     SessionState = "Verifying"
	StateActive        SessionState = "Active"
	StateDisconnecting SessionState = "Disconnecting"
	StateFailed        SessionState = "Failed"
)

// Profile is the local user's public identity, exchanged with peers.
// DeviceID is filled in on the wire so both ends key encryption on the same
// pair of ids.
type Profile struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	DeviceID string `json:"deviceId,omitempty"`
}

// IsZero reports whether no username or avatar has been set up.
func (p Profile) IsZero() bool {
	return p.Username == "" && p.Avatar == ""
}

// Settings are the user-toggleable preferences persisted between runs.
type Settings struct {
	EncryptionEnabled bool `json:"encryptionEnabled"`
	SoundsEnabled     bool `json:"soundsEnabled"`
	HapticsEnabled    bool `json:"hapticsEnabled"`
	AutoSave          bool `json:"autoSave"`
}

// DefaultSettings returns the settings used before the user changes any.
func DefaultSettings() Settings {
	return Settings{
		EncryptionEnabled: true,
		SoundsEnabled:     true,
		HapticsEnabled:    true,
		AutoSave:          true,
	}
}
