// Package session manages the per-peer connection lifecycle:
// Idle → Connecting → Verifying → Active → Disconnecting → Idle, with Failed
// reachable from Connecting and Verifying once retries are exhausted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/buzztag/internal/ble"
	"github.com/chaz8081/buzztag/internal/models"
)

var (
	// ErrBusy is returned when a transition is already running for the peer.
	ErrBusy = errors.New("session: transition in progress")
	// ErrNotActive is returned when writing to a peer without an active session.
	ErrNotActive = errors.New("session: not active")
	// ErrConnectFailed is returned once every connect attempt has failed.
	ErrConnectFailed = errors.New("session: connect failed")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session: manager shut down")
)

// Options configures retry and timeout policy.
type Options struct {
	MaxAttempts    int           // consecutive connect failures before Failed
	RetryBackoff   time.Duration // delay after the first failure, doubled after each
	MaxBackoff     time.Duration // cap on the retry delay
	ConnectTimeout time.Duration // ceiling on the Connecting phase
	VerifyTimeout  time.Duration // ceiling on the Verifying phase
	AutoReconnect  bool          // reopen after an unexpected link loss
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		RetryBackoff:   500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		ConnectTimeout: 10 * time.Second,
		VerifyTimeout:  5 * time.Second,
		AutoReconnect:  true,
	}
}

// Status is a snapshot of one session.
type Status struct {
	PeerID      string
	State       models.SessionState
	ConnectedAt time.Time
	RetryCount  int
	Verified    bool
}

// Change describes one state transition.
type Change struct {
	PeerID   string
	State    models.SessionState
	Verified bool   // meaningful for Active
	Attempt  int    // meaningful for Connecting
	Reason   string // why the session failed or went idle
}

// Hooks receive session output. Every field is optional. Hooks are called
// without internal locks held and may call back into the Manager.
type Hooks struct {
	OnStateChange func(Change)
	OnMessage     func(peerID string, payload []byte)
	OnProfile     func(peerID string, payload []byte)
}

type session struct {
	peerID      string
	state       models.SessionState
	connectedAt time.Time
	retryCount  int
	verified    bool
	conn        ble.Connection

	// gen increments whenever the link is replaced or dropped so late
	// callbacks from an old link are ignored.
	gen int

	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) status() Status {
	return Status{
		PeerID:      s.peerID,
		State:       s.state,
		ConnectedAt: s.connectedAt,
		RetryCount:  s.retryCount,
		Verified:    s.verified,
	}
}

// Manager owns every Session. Safe for concurrent use; transitions for a
// single peer never overlap.
type Manager struct {
	transport ble.Transport
	opts      Options
	hooks     Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewManager creates a Manager. Zero MaxAttempts, MaxBackoff,
// ConnectTimeout and VerifyTimeout take their defaults. RetryBackoff and
// AutoReconnect are used as given: zero retries immediately and false never
// reconnects. Start from DefaultOptions to get every default.
func NewManager(transport ble.Transport, opts Options, hooks Hooks) *Manager {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = def.VerifyTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		opts:      opts,
		hooks:     hooks,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
}

// Status returns the session snapshot for peerID. Unknown peers are Idle.
func (m *Manager) Status(peerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerID]; ok {
		return s.status()
	}
	return Status{PeerID: peerID, State: models.StateIdle}
}

// Statuses returns snapshots of every tracked session.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.status())
	}
	return out
}

// Open connects to peerID, verifies it and subscribes to its messages. On an
// Active session it returns the current status without reconnecting. It
// blocks until the session is Active, Failed, or the attempt is cancelled.
func (m *Manager) Open(ctx context.Context, peerID string) (Status, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Status{PeerID: peerID, State: models.StateIdle}, ErrClosed
	}
	s, ok := m.sessions[peerID]
	if !ok {
		s = &session{peerID: peerID, state: models.StateIdle}
		m.sessions[peerID] = s
	}
	if s.busy {
		st := s.status()
		m.mu.Unlock()
		return st, ErrBusy
	}
	if s.state == models.StateActive {
		st := s.status()
		m.mu.Unlock()
		return st, nil
	}

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	s.busy = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.retryCount = 0
	done := s.done
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		stop()
		cancel()
		m.mu.Lock()
		s.busy = false
		s.cancel = nil
		m.mu.Unlock()
		close(done)
		m.wg.Done()
	}()

	return m.run(opCtx, s)
}

// run drives Connecting → Verifying → Active with the retry policy.
func (m *Manager) run(ctx context.Context, s *session) (Status, error) {
	for attempt := 1; ; attempt++ {
		m.transition(s, Change{State: models.StateConnecting, Attempt: attempt})

		err := m.attempt(ctx, s)
		if err == nil {
			return m.Status(s.peerID), nil
		}

		if ctx.Err() != nil {
			return m.abandon(ctx, s)
		}

		m.mu.Lock()
		s.retryCount++
		retries := s.retryCount
		m.mu.Unlock()

		if retries >= m.opts.MaxAttempts {
			slog.Warn("[SESSION] connect failed, giving up", "peer", s.peerID, "attempts", retries, "error", err)
			m.transition(s, Change{State: models.StateFailed, Reason: err.Error()})
			return m.Status(s.peerID), fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, s.peerID, retries, err)
		}

		delay := backoffDelay(retries-1, m.opts.RetryBackoff, m.opts.MaxBackoff)
		slog.Info("[SESSION] connect failed, retrying", "peer", s.peerID, "attempt", attempt, "delay", delay, "error", err)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return m.abandon(ctx, s)
		}
	}
}

// abandon returns a cancelled open to Idle.
func (m *Manager) abandon(ctx context.Context, s *session) (Status, error) {
	slog.Info("[SESSION] open cancelled", "peer", s.peerID, "state", m.Status(s.peerID).State)
	m.transition(s, Change{State: models.StateIdle, Reason: "cancelled"})
	return m.Status(s.peerID), ctx.Err()
}

// attempt performs one connect + verify + subscribe pass. A returned error
// is a transport failure subject to retry.
func (m *Manager) attempt(ctx context.Context, s *session) error {
	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.transport.Connect(connectCtx, s.peerID)
	cancel()
	if err != nil {
		return err
	}

	m.transition(s, Change{State: models.StateVerifying})

	verifyCtx, cancel := context.WithTimeout(ctx, m.opts.VerifyTimeout)
	services, err := conn.DiscoverServices(verifyCtx)
	stalled := verifyCtx.Err() != nil
	cancel()
	if stalled {
		m.dropLink(s.peerID)
		if err == nil {
			err = context.DeadlineExceeded
		}
		return fmt.Errorf("session: verify %s: %w", s.peerID, err)
	}

	verified := err == nil && ble.HasService(services, ble.ServiceUUID)
	if !verified {
		slog.Warn("[SESSION] peer not verified, continuing best-effort", "peer", s.peerID, "error", err)
	}

	m.mu.Lock()
	s.gen++
	gen := s.gen
	m.mu.Unlock()

	conn.OnDisconnect(func() { m.linkLost(s.peerID, gen) })

	if err := conn.Subscribe(ble.MessageCharUUID, func(data []byte) {
		if m.current(s.peerID, gen) && m.hooks.OnMessage != nil {
			m.hooks.OnMessage(s.peerID, data)
		}
	}); err != nil {
		slog.Warn("[SESSION] subscribe to messages failed", "peer", s.peerID, "error", err)
	}
	if err := conn.Subscribe(ble.ProfileCharUUID, func(data []byte) {
		if m.current(s.peerID, gen) && m.hooks.OnProfile != nil {
			m.hooks.OnProfile(s.peerID, data)
		}
	}); err != nil {
		slog.Debug("[SESSION] subscribe to profile failed", "peer", s.peerID, "error", err)
	}

	// A cancel that raced the last transport call still wins.
	if ctx.Err() != nil {
		m.dropLink(s.peerID)
		return ctx.Err()
	}

	m.mu.Lock()
	s.conn = conn
	s.connectedAt = time.Now()
	s.retryCount = 0
	s.verified = verified
	m.mu.Unlock()

	slog.Info("[SESSION] active", "peer", s.peerID, "verified", verified)
	m.transition(s, Change{State: models.StateActive, Verified: verified})
	return nil
}

// current reports whether gen is still the live link of an Active or
// activating session.
func (m *Manager) current(peerID string, gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return ok && s.gen == gen
}

// dropLink disconnects a half-open link, logging any error.
func (m *Manager) dropLink(peerID string) {
	if err := m.transport.Disconnect(peerID); err != nil {
		slog.Warn("[SESSION] disconnect after failed attempt", "peer", peerID, "error", err)
	}
}

// Write sends payload to a characteristic of the peer's active session.
func (m *Manager) Write(ctx context.Context, peerID, charUUID string, payload []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.state != models.StateActive || s.conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, peerID)
	}
	conn := s.conn
	m.mu.Unlock()

	return conn.Write(ctx, charUUID, payload)
}

// Send writes an encoded message payload to the peer.
func (m *Manager) Send(ctx context.Context, peerID string, payload []byte) error {
	return m.Write(ctx, peerID, ble.MessageCharUUID, payload)
}

// Close disconnects peerID. The session always ends Idle; a transport
// disconnect error is logged and not returned. Close on a session that is
// mid-transition returns ErrBusy.
func (m *Manager) Close(peerID string) error {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.state == models.StateIdle {
		m.mu.Unlock()
		return nil
	}
	if s.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	return m.closeLocked(s)
}

// closeLocked runs Disconnecting → Idle. It is entered with m.mu held and
// releases it.
func (m *Manager) closeLocked(s *session) error {
	if s.state == models.StateFailed {
		s.retryCount = 0
		m.mu.Unlock()
		m.transition(s, Change{State: models.StateIdle, Reason: "closed"})
		return nil
	}

	s.busy = true
	s.done = make(chan struct{})
	done := s.done
	s.gen++
	m.mu.Unlock()

	m.transition(s, Change{State: models.StateDisconnecting})
	if err := m.transport.Disconnect(s.peerID); err != nil {
		slog.Warn("[SESSION] transport disconnect failed", "peer", s.peerID, "error", err)
	}

	m.mu.Lock()
	s.conn = nil
	s.connectedAt = time.Time{}
	s.retryCount = 0
	s.verified = false
	s.busy = false
	m.mu.Unlock()
	close(done)

	slog.Info("[SESSION] closed", "peer", s.peerID)
	m.transition(s, Change{State: models.StateIdle, Reason: "closed"})
	return nil
}

// Teardown cancels any in-flight transition for peerID, waits for it to
// settle, closes the session and forgets it.
func (m *Manager) Teardown(peerID string) {
	for {
		m.mu.Lock()
		s, ok := m.sessions[peerID]
		if !ok {
			m.mu.Unlock()
			return
		}
		if !s.busy {
			if s.state == models.StateIdle {
				delete(m.sessions, peerID)
				m.mu.Unlock()
				return
			}
			_ = m.closeLocked(s)
			continue
		}
		if s.cancel != nil {
			s.cancel()
		}
		done := s.done
		m.mu.Unlock()
		<-done
	}
}

// Shutdown cancels every in-flight transition and brings every session to
// Idle. Later Open calls return ErrClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, id := range ids {
		m.Teardown(id)
	}
	m.wg.Wait()
}

// linkLost handles an unexpected disconnect reported by the transport.
func (m *Manager) linkLost(peerID string, gen int) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok || s.gen != gen || s.busy || s.state != models.StateActive {
		m.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	s.connectedAt = time.Time{}
	s.verified = false
	reconnect := m.opts.AutoReconnect && !m.closed
	if reconnect {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	slog.Warn("[SESSION] link lost", "peer", peerID, "reconnect", reconnect)
	m.transition(s, Change{State: models.StateIdle, Reason: "link lost"})

	if reconnect {
		go func() {
			defer m.wg.Done()
			if _, err := m.Open(m.ctx, peerID); err != nil && !errors.Is(err, ErrBusy) {
				slog.Warn("[SESSION] reconnect failed", "peer", peerID, "error", err)
			}
		}()
	}
}

// transition records the new state and notifies the hook.
func (m *Manager) transition(s *session, c Change) {
	m.mu.Lock()
	s.state = c.State
	m.mu.Unlock()

	c.PeerID = s.peerID
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(c)
	}
}

// backoffDelay returns the retry delay after failure n (0-based): base
// doubled n times, capped at max.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if n > 30 {
		n = 30
	}
	delay := base << uint(n)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
