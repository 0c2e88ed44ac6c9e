// Package protocol implements the BuzzTag message channel: the payload
// written to the message characteristic and the profile payload written to
// the profile characteristic.
//
// A message payload is the UTF-8 bytes of a string. With encryption off the
// string is the message text. With encryption on it is the cipher's
// printable (base64) ciphertext, keyed per peer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	blecrypto "github.com/chaz8081/buzztag/internal/ble/crypto"
	"github.com/chaz8081/buzztag/internal/models"
)

var (
	// ErrEmpty is returned for blank message text.
	ErrEmpty = errors.New("protocol: empty message")
	// ErrTooLong is returned for text over models.MaxMessageChars characters.
	ErrTooLong = fmt.Errorf("protocol: message longer than %d characters", models.MaxMessageChars)
)

// ValidateText checks text against the message length cap.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(text) > models.MaxMessageChars {
		return ErrTooLong
	}
	return nil
}

// Channel encodes and decodes message payloads for one local device.
type Channel struct {
	cipher  blecrypto.Cipher
	localID string
	encrypt atomic.Bool

	mu     sync.Mutex
	keyIDs map[string]string // transport peer id -> peer's device id
}

// NewChannel creates a Channel. localID is this device's identifier, mixed
// with each peer id to derive the per-peer key.
func NewChannel(cipher blecrypto.Cipher, localID string, encrypt bool) *Channel {
	c := &Channel{cipher: cipher, localID: localID, keyIDs: make(map[string]string)}
	c.encrypt.Store(encrypt)
	return c
}

// SetEncryption toggles encryption for subsequent Encode/Decode calls.
func (c *Channel) SetEncryption(enabled bool) {
	c.encrypt.Store(enabled)
}

// BindPeer keys peerID's traffic on the device id it announced. Until then
// the transport id stands in, which only matches a peer that sees this
// device under localID.
func (c *Channel) BindPeer(peerID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deviceID == "" {
		delete(c.keyIDs, peerID)
		return
	}
	c.keyIDs[peerID] = deviceID
}

func (c *Channel) key(peerID string) string {
	c.mu.Lock()
	id, ok := c.keyIDs[peerID]
	c.mu.Unlock()
	if !ok {
		id = peerID
	}
	return c.cipher.DeriveKey(c.localID, id)
}

// Encrypted reports whether payloads are encrypted.
func (c *Channel) Encrypted() bool {
	return c.encrypt.Load()
}

// Encode turns plain text into the payload for peerID.
func (c *Channel) Encode(plainText, peerID string) ([]byte, error) {
	if utf8.RuneCountInString(plainText) > models.MaxMessageChars {
		return nil, ErrTooLong
	}
	if !c.Encrypted() {
		return []byte(plainText), nil
	}
	key := c.key(peerID)
	ct, err := c.cipher.Encrypt(plainText, key)
	if err != nil {
		return nil, fmt.Errorf("protocol: encrypt: %w", err)
	}
	return []byte(ct), nil
}

// Decode turns a payload from peerID back into text. It never fails: a
// payload that cannot be decrypted is returned as its raw string so the
// user still sees something.
func (c *Channel) Decode(payload []byte, peerID string) string {
	text := string(payload)
	if !c.Encrypted() {
		return text
	}
	key := c.key(peerID)
	plain, err := c.cipher.Decrypt(text, key)
	if err != nil {
		slog.Debug("[BLE] decrypt failed, showing raw payload", "peer", peerID, "error", err)
		return text
	}
	if !utf8.ValidString(plain) {
		slog.Debug("[BLE] decrypted payload is not UTF-8, showing raw payload", "peer", peerID)
		return text
	}
	return plain
}

// EncodeProfile serializes a profile for the profile characteristic.
func EncodeProfile(p models.Profile) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal profile: %w", err)
	}
	return data, nil
}

// DecodeProfile parses a profile payload. A profile needs a username or a
// device id.
func DecodeProfile(data []byte) (models.Profile, error) {
	var p models.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Profile{}, fmt.Errorf("protocol: unmarshal profile: %w", err)
	}
	p.Username = strings.TrimSpace(p.Username)
	p.DeviceID = strings.TrimSpace(p.DeviceID)
	if p.Username == "" && p.DeviceID == "" {
		return models.Profile{}, errors.New("protocol: profile has no username or device id")
	}
	return p, nil
}
