// Package chat wires discovery, sessions, the message channel and
// persistence into the service the application drives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/buzztag/internal/ble"
	blecrypto "github.com/chaz8081/buzztag/internal/ble/crypto"
	"github.com/chaz8081/buzztag/internal/ble/protocol"
	"github.com/chaz8081/buzztag/internal/events"
	"github.com/chaz8081/buzztag/internal/icebreaker"
	"github.com/chaz8081/buzztag/internal/models"
	"github.com/chaz8081/buzztag/internal/registry"
	"github.com/chaz8081/buzztag/internal/session"
)

var (
	// ErrPermissionDenied is returned by Start when the radio permission is refused.
	ErrPermissionDenied = errors.New("chat: bluetooth permission denied")
	// ErrRadioDisabled is returned by Start when the radio is off.
	ErrRadioDisabled = errors.New("chat: bluetooth is disabled")
	// ErrUnknownPeer is returned for a peer id not in the registry.
	ErrUnknownPeer = errors.New("chat: unknown peer")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("chat: service shut down")
)

// Alert reasons published with events.Alert.
const (
	AlertPermissionDenied = "permission-denied"
	AlertRadioDisabled    = "radio-disabled"
)

// Activity is reported to the activity callback.
type Activity string

const (
	ActivityPeerDiscovered  Activity = "peer-discovered"
	ActivityMessageSent     Activity = "message-sent"
	ActivityMessageReceived Activity = "message-received"
)

// Store persists peers, conversations and settings.
type Store interface {
	LoadPeers() ([]models.PeerDevice, error)
	SavePeers(peers []models.PeerDevice) error
	LoadConversation(peerID string) ([]models.Message, error)
	SaveConversation(peerID string, msgs []models.Message) error
	DeleteConversation(peerID string) error
	LoadSettings() (models.Settings, bool, error)
	SaveSettings(settings models.Settings) error
}

// Options configures a Service. DeviceID is required.
type Options struct {
	DeviceID string
	Profile  models.Profile

	// Cipher defaults to the OpenSSL-compatible suite.
	Cipher blecrypto.Cipher
	// Settings applies until the store has saved settings of its own.
	Settings models.Settings

	ExtraDenylist   []string
	AutoSelectFirst bool
	Session         session.Options

	Prompts []string
	Intn    func(n int) int

	// Store defaults to an in-memory no-op.
	Store Store
	// Bus defaults to a new bus.
	Bus *events.Bus

	OnActivity func(a Activity, peerID string)

	Now   func() time.Time
	NewID func() string
}

// Service is the application facade. Safe for concurrent use.
type Service struct {
	transport ble.Transport
	store     Store
	bus       *events.Bus
	registry  *registry.Registry
	sessions  *session.Manager
	channel   *protocol.Channel
	picker    *icebreaker.Picker

	profile    models.Profile
	autoSelect bool
	onActivity func(Activity, string)
	now        func() time.Time
	newID      func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// persistMu serializes store writes so a later snapshot never loses to
	// an earlier one.
	persistMu sync.Mutex

	mu            sync.Mutex
	settings      models.Settings
	conversations map[string][]models.Message
	loaded        map[string]bool
	selected      string
	scanGen       uint64
	scanning      bool
	closed        bool
}

// New builds a Service on transport and restores persisted state.
func New(transport ble.Transport, opts Options) (*Service, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("chat: device id is required")
	}
	if opts.Cipher == nil {
		opts.Cipher = blecrypto.OpenSSL{}
	}
	if opts.Store == nil {
		opts.Store = nopStore{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newMessageID
	}

	settings := opts.Settings
	if saved, ok, err := opts.Store.LoadSettings(); err != nil {
		slog.Warn("[CHAT] loading settings failed, using configured values", "error", err)
	} else if ok {
		settings = saved
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		transport:     transport,
		store:         opts.Store,
		bus:           opts.Bus,
		registry:      registry.New(registry.Options{ExtraDenylist: opts.ExtraDenylist, Now: opts.Now}),
		channel:       protocol.NewChannel(opts.Cipher, opts.DeviceID, settings.EncryptionEnabled),
		picker:        icebreaker.New(opts.Prompts, opts.Intn),
		profile:       models.Profile{Username: opts.Profile.Username, Avatar: opts.Profile.Avatar, DeviceID: opts.DeviceID},
		autoSelect:    opts.AutoSelectFirst,
		onActivity:    opts.OnActivity,
		now:           opts.Now,
		newID:         opts.NewID,
		ctx:           ctx,
		cancel:        cancel,
		settings:      settings,
		conversations: make(map[string][]models.Message),
		loaded:        make(map[string]bool),
	}
	s.sessions = session.NewManager(transport, opts.Session, session.Hooks{
		OnStateChange: s.onSessionChange,
		OnMessage:     s.onInbound,
		OnProfile:     s.onProfile,
	})
	s.registry.SetTeardown(s.sessions.Teardown)

	if peers, err := s.store.LoadPeers(); err != nil {
		slog.Warn("[CHAT] loading peers failed", "error", err)
	} else if len(peers) > 0 {
		s.registry.Restore(peers)
		slog.Info("[CHAT] restored peers", "count", s.registry.Len())
	}

	return s, nil
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Bus returns the event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Subscribe is shorthand for Bus().Subscribe.
func (s *Service) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Start checks permission and radio state, then starts scanning. A refused
// permission or a disabled radio publishes an Alert and is returned.
func (s *Service) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.transport.RequestPermissions(ctx) {
		slog.Warn("[CHAT] bluetooth permission denied")
		s.bus.Publish(events.Event{Kind: events.Alert, Reason: AlertPermissionDenied})
		return ErrPermissionDenied
	}
	if !s.transport.RadioEnabled(ctx) {
		slog.Warn("[CHAT] bluetooth radio disabled")
		s.bus.Publish(events.Event{Kind: events.Alert, Reason: AlertRadioDisabled})
		return ErrRadioDisabled
	}
	return s.StartScan()
}

// StartScan begins discovery. It is a no-op while already scanning.
func (s *Service) StartScan() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanGen++
	gen := s.scanGen
	s.scanning = true
	s.mu.Unlock()

	if err := s.transport.StartScan(func(sg ble.Sighting) { s.onSighting(gen, sg) }); err != nil {
		s.mu.Lock()
		if s.scanGen == gen {
			s.scanning = false
		}
		s.mu.Unlock()
		return fmt.Errorf("chat: start scan: %w", err)
	}
	slog.Info("[CHAT] scanning started")
	return nil
}

// StopScan ends discovery. Sightings delivered after it returns are dropped.
func (s *Service) StopScan() error {
	s.mu.Lock()
	s.scanGen++
	s.scanning = false
	s.mu.Unlock()

	if err := s.transport.StopScan(); err != nil {
		return fmt.Errorf("chat: stop scan: %w", err)
	}
	slog.Info("[CHAT] scanning stopped")
	return nil
}

// Scanning reports whether discovery is running.
func (s *Service) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

func (s *Service) onSighting(gen uint64, sg ble.Sighting) {
	s.mu.Lock()
	stale := s.closed || gen != s.scanGen
	s.mu.Unlock()
	if stale {
		slog.Debug("[CHAT] late sighting dropped", "id", sg.ID)
		return
	}

	peer, res := s.registry.Admit(sg)
	if res != registry.Added {
		return
	}
	s.persistPeers()
	s.bus.Publish(events.Event{Kind: events.PeerDiscovered, PeerID: peer.ID, Peer: peer})
	s.activity(ActivityPeerDiscovered, peer.ID)

	if !s.autoSelect {
		return
	}
	s.mu.Lock()
	first := s.selected == "" && s.registry.Len() == 1 && !s.closed
	if first {
		s.selected = peer.ID
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if first {
		slog.Info("[CHAT] auto-selected first peer", "peer", peer.ID, "name", peer.DisplayName)
		go s.greet(peer.ID)
	}
}

// greet connects to an auto-selected peer and opens with an icebreaker.
func (s *Service) greet(peerID string) {
	defer s.wg.Done()
	if _, err := s.sessions.Open(s.ctx, peerID); err != nil {
		slog.Warn("[CHAT] auto-connect failed", "peer", peerID, "error", err)
	}
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.SendIcebreaker(s.ctx, peerID); err != nil {
		slog.Warn("[CHAT] auto icebreaker failed", "peer", peerID, "error", err)
	}
}

// Peers returns the known peers in first-seen order.
func (s *Service) Peers() []models.PeerDevice {
	return s.registry.List()
}

// Peer returns one known peer.
func (s *Service) Peer(peerID string) (models.PeerDevice, bool) {
	return s.registry.Get(peerID)
}

// Select marks peerID as the current conversation.
func (s *Service) Select(peerID string) error {
	if _, ok := s.registry.Get(peerID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = peerID
	return nil
}

// Selected returns the current conversation's peer id, or "".
func (s *Service) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Connect opens a session with a known peer.
func (s *Service) Connect(ctx context.Context, peerID string) (session.Status, error) {
	if _, ok := s.registry.Get(peerID); !ok {
		return session.Status{PeerID: peerID, State: models.StateIdle}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return s.sessions.Open(ctx, peerID)
}

// Disconnect closes the session with peerID.
func (s *Service) Disconnect(peerID string) error {
	return s.sessions.Close(peerID)
}

// Status returns the session state for peerID.
func (s *Service) Status(peerID string) session.Status {
	return s.sessions.Status(peerID)
}

// SendMessage records text as an outbound message, publishes it, and writes
// it to the peer's session. The message stays in the conversation even if
// the write fails; the failure is only logged.
func (s *Service) SendMessage(ctx context.Context, peerID, text string) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, ErrClosed
	}
	if err := protocol.ValidateText(text); err != nil {
		return models.Message{}, err
	}
	if _, ok := s.registry.Get(peerID); !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	msg := models.Message{
		ID:        s.newID(),
		PeerID:    peerID,
		Text:      text,
		Direction: models.Outbound,
		Timestamp: s.now(),
	}
	s.appendMessage(msg)
	s.bus.Publish(events.Event{Kind: events.MessageSent, PeerID: peerID, Message: msg})
	s.activity(ActivityMessageSent, peerID)

	payload, err := s.channel.Encode(text, peerID)
	if err != nil {
		slog.Error("[CHAT] encoding message failed", "peer", peerID, "id", msg.ID, "error", err)
		return msg, nil
	}
	if err := s.sessions.Send(ctx, peerID, payload); err != nil {
		slog.Warn("[CHAT] message not delivered", "peer", peerID, "id", msg.ID, "error", err)
	}
	return msg, nil
}

// SendIcebreaker sends a prompt peerID has not been given yet.
func (s *Service) SendIcebreaker(ctx context.Context, peerID string) (models.Message, error) {
	if _, ok := s.registry.Get(peerID); !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return s.SendMessage(ctx, peerID, s.picker.Next(peerID))
}

func (s *Service) onInbound(peerID string, payload []byte) {
	text := s.channel.Decode(payload, peerID)
	if text == "" {
		slog.Debug("[CHAT] empty payload ignored", "peer", peerID)
		return
	}
	msg := models.Message{
		ID:        s.newID(),
		PeerID:    peerID,
		Text:      text,
		Direction: models.Inbound,
		Timestamp: s.now(),
	}
	s.appendMessage(msg)
	s.bus.Publish(events.Event{Kind: events.MessageReceived, PeerID: peerID, Message: msg})
	s.activity(ActivityMessageReceived, peerID)
}

func (s *Service) onProfile(peerID string, payload []byte) {
	prof, err := protocol.DecodeProfile(payload)
	if err != nil {
		slog.Warn("[CHAT] bad profile payload", "peer", peerID, "error", err)
		return
	}
	if prof.DeviceID != "" {
		s.channel.BindPeer(peerID, prof.DeviceID)
		slog.Debug("[CHAT] peer announced device id", "peer", peerID, "device", prof.DeviceID)
	}
	if prof.Username == "" {
		return
	}
	s.registry.SetDisplayName(peerID, prof.Username)
	s.persistPeers()
	s.bus.Publish(events.Event{Kind: events.ProfileReceived, PeerID: peerID, Profile: prof})
}

func (s *Service) onSessionChange(c session.Change) {
	if c.State == models.StateActive {
		s.registry.MarkVerified(c.PeerID, c.Verified)
		s.persistPeers()
		s.shareProfile(c.PeerID)
	}
	s.bus.Publish(events.Event{
		Kind:     events.SessionStateChanged,
		PeerID:   c.PeerID,
		State:    c.State,
		Verified: c.Verified,
		Reason:   c.Reason,
	})
}

// shareProfile writes the local profile and device id to a newly active
// peer in the background. The device id goes out even without a profile so
// the peer can derive the shared key.
func (s *Service) shareProfile(peerID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		payload, err := protocol.EncodeProfile(s.profile)
		if err != nil {
			slog.Error("[CHAT] encoding profile failed", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.sessions.Write(ctx, peerID, ble.ProfileCharUUID, payload); err != nil {
			slog.Debug("[CHAT] profile not shared", "peer", peerID, "error", err)
		}
	}()
}

// Conversation returns the messages exchanged with peerID in order.
func (s *Service) Conversation(peerID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked(peerID)
	return append([]models.Message(nil), s.conversations[peerID]...)
}

// ClearConversation deletes every message with peerID and resets its
// icebreaker history. The peer stays known.
func (s *Service) ClearConversation(peerID string) {
	s.mu.Lock()
	s.conversations[peerID] = nil
	s.loaded[peerID] = true
	s.mu.Unlock()

	s.picker.Reset(peerID)
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.store.DeleteConversation(peerID); err != nil {
		slog.Warn("[STORE] deleting conversation failed", "peer", peerID, "error", err)
	}
}

// RemovePeer forgets peerID: its session is torn down and its conversation
// deleted.
func (s *Service) RemovePeer(peerID string) error {
	if !s.registry.Remove(peerID) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	s.mu.Lock()
	delete(s.conversations, peerID)
	delete(s.loaded, peerID)
	if s.selected == peerID {
		s.selected = ""
	}
	s.mu.Unlock()

	s.picker.Reset(peerID)
	s.channel.BindPeer(peerID, "")
	s.persistMu.Lock()
	if err := s.store.DeleteConversation(peerID); err != nil {
		slog.Warn("[STORE] deleting conversation failed", "peer", peerID, "error", err)
	}
	s.persistMu.Unlock()
	s.persistPeers()

	slog.Info("[CHAT] peer removed", "peer", peerID)
	s.bus.Publish(events.Event{Kind: events.PeerRemoved, PeerID: peerID})
	return nil
}

// Settings returns the current settings.
func (s *Service) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetEncryption toggles payload encryption and saves the setting.
func (s *Service) SetEncryption(enabled bool) {
	s.channel.SetEncryption(enabled)
	s.mu.Lock()
	s.settings.EncryptionEnabled = enabled
	settings := s.settings
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.store.SaveSettings(settings); err != nil {
		slog.Warn("[STORE] saving settings failed", "error", err)
	}
	slog.Info("[CHAT] encryption toggled", "enabled", enabled)
}

// Shutdown stops scanning, closes every session, releases the radio and
// closes the bus.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.scanGen++
	s.scanning = false
	s.mu.Unlock()

	s.cancel()
	s.sessions.Shutdown()
	s.wg.Wait()

	err := s.transport.Shutdown()
	if err != nil {
		err = fmt.Errorf("chat: shutdown transport: %w", err)
	}
	s.persistPeers()
	s.bus.Close()
	slog.Info("[CHAT] shut down")
	return err
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) activity(a Activity, peerID string) {
	if s.onActivity != nil {
		s.onActivity(a, peerID)
	}
}

// ensureLoadedLocked pulls a conversation from the store the first time it
// is touched. s.mu must be held.
func (s *Service) ensureLoadedLocked(peerID string) {
	if s.loaded[peerID] {
		return
	}
	s.loaded[peerID] = true
	msgs, err := s.store.LoadConversation(peerID)
	if err != nil {
		slog.Warn("[STORE] loading conversation failed", "peer", peerID, "error", err)
		return
	}
	s.conversations[peerID] = append(msgs, s.conversations[peerID]...)
}

// appendMessage adds msg to its conversation and saves the conversation
// when auto-save is on.
func (s *Service) appendMessage(msg models.Message) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.ensureLoadedLocked(msg.PeerID)
	s.conversations[msg.PeerID] = append(s.conversations[msg.PeerID], msg)
	snapshot := append([]models.Message(nil), s.conversations[msg.PeerID]...)
	autoSave := s.settings.AutoSave
	s.mu.Unlock()

	if !autoSave {
		return
	}
	if err := s.store.SaveConversation(msg.PeerID, snapshot); err != nil {
		slog.Warn("[STORE] saving conversation failed", "peer", msg.PeerID, "error", err)
	}
}

func (s *Service) persistPeers() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.store.SavePeers(s.registry.Snapshot()); err != nil {
		slog.Warn("[STORE] saving peers failed", "error", err)
	}
}

// nopStore keeps nothing.
type nopStore struct{}

func (nopStore) LoadPeers() ([]models.PeerDevice, error) { return nil, nil }

func (nopStore) SavePeers([]models.PeerDevice) error { return nil }

func (nopStore) LoadConversation(string) ([]models.Message, error) { return nil, nil }

func (nopStore) SaveConversation(string, []models.Message) error { return nil }

func (nopStore) DeleteConversation(string) error { return nil }

func (nopStore) LoadSettings() (models.Settings, bool, error) {
	return models.DefaultSettings(), false, nil
}

func (nopStore) SaveSettings(models.Settings) error { return nil }
