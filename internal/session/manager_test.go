package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/buzztag/internal/ble"
	"github.com/chaz8081/buzztag/internal/ble/bletest"
	"github.com/chaz8081/buzztag/internal/models"
)

// recorder collects hook output.
type recorder struct {
	mu       sync.Mutex
	changes  []Change
	messages [][]byte
	profiles [][]byte
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStateChange: func(c Change) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, c)
		},
		OnMessage: func(_ string, p []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, p)
		},
		OnProfile: func(_ string, p []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.profiles = append(r.profiles, p)
		},
	}
}

func (r *recorder) states() []models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SessionState, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.State
	}
	return out
}

func (r *recorder) last() Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return Change{}
	}
	return r.changes[len(r.changes)-1]
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func equalStates(a, b []models.SessionState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(tr *bletest.Transport, opts Options) (*Manager, *recorder) {
	rec := &recorder{}
	return NewManager(tr, opts, rec.hooks()), rec
}

func TestOpenActivates(t *testing.T) {
	tr := bletest.NewTransport()
	m, rec := newTestManager(tr, Options{})
	defer m.Shutdown()

	st, err := m.Open(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if st.State != models.StateActive || !st.Verified {
		t.Errorf("Open() status = %+v, want verified Active", st)
	}
	if st.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not set")
	}

	want := []models.SessionState{models.StateConnecting, models.StateVerifying, models.StateActive}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if !rec.last().Verified {
		t.Error("Active change should carry Verified=true")
	}

	conn := tr.Conn("p1")
	if conn == nil {
		t.Fatal("no connection")
	}
	if !conn.Subscribed(ble.MessageCharUUID) || !conn.Subscribed(ble.ProfileCharUUID) {
		t.Error("expected subscriptions on message and profile characteristics")
	}
}

func TestOpenFailsAfterMaxAttempts(t *testing.T) {
	tr := bletest.NewTransport()
	tr.FailConnect("p1", 3)
	m, rec := newTestManager(tr, Options{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	defer m.Shutdown()

	st, err := m.Open(context.Background(), "p1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Open() error = %v, want ErrConnectFailed", err)
	}
	if st.State != models.StateFailed {
		t.Errorf("state = %s, want Failed", st.State)
	}
	if st.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", st.RetryCount)
	}
	if n := tr.ConnectCalls("p1"); n != 3 {
		t.Errorf("ConnectCalls = %d, want 3", n)
	}

	want := []models.SessionState{
		models.StateConnecting, models.StateConnecting, models.StateConnecting, models.StateFailed,
	}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if rec.last().Reason == "" {
		t.Error("Failed change should carry a reason")
	}
}

func TestOpenRecoversWithinRetries(t *testing.T) {
	tr := bletest.NewTransport()
	tr.FailConnect("p1", 2)
	m, _ := newTestManager(tr, Options{MaxAttempts: 3})
	defer m.Shutdown()

	st, err := m.Open(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if st.State != models.StateActive || st.RetryCount != 0 {
		t.Errorf("status = %+v, want Active with RetryCount 0", st)
	}
}

func TestOpenFailedThenFreshOpen(t *testing.T) {
	tr := bletest.NewTransport()
	tr.FailConnect("p1", 1)
	m, _ := newTestManager(tr, Options{MaxAttempts: 1})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err == nil {
		t.Fatal("first Open() should fail")
	}
	st, err := m.Open(context.Background(), "p1")
	if err != nil || st.State != models.StateActive {
		t.Fatalf("fresh Open() = %+v, %v", st, err)
	}
}

func TestOpenOnActiveIsNoop(t *testing.T) {
	tr := bletest.NewTransport()
	m, rec := newTestManager(tr, Options{})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	before := len(rec.states())
	st, err := m.Open(context.Background(), "p1")
	if err != nil || st.State != models.StateActive {
		t.Fatalf("second Open() = %+v, %v", st, err)
	}
	if n := tr.ConnectCalls("p1"); n != 1 {
		t.Errorf("ConnectCalls = %d, want 1", n)
	}
	if after := len(rec.states()); after != before {
		t.Errorf("no-op Open emitted %d changes", after-before)
	}
}

func TestConcurrentTransitionsAreBusy(t *testing.T) {
	tr := bletest.NewTransport()
	tr.BlockConnect("p1", true)
	m, _ := newTestManager(tr, Options{ConnectTimeout: time.Minute})
	defer m.Shutdown()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), "p1")
		errc <- err
	}()
	waitFor(t, "Connecting", func() bool { return m.Status("p1").State == models.StateConnecting })

	if _, err := m.Open(context.Background(), "p1"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Open() error = %v, want ErrBusy", err)
	}
	if err := m.Close("p1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Close() mid-connect error = %v, want ErrBusy", err)
	}

	m.Teardown("p1")
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Open() error = %v, want context.Canceled", err)
	}
	if st := m.Status("p1"); st.State != models.StateIdle {
		t.Errorf("state after Teardown = %s, want Idle", st.State)
	}
}

func TestConnectTimeoutRetries(t *testing.T) {
	tr := bletest.NewTransport()
	tr.BlockConnect("p1", true)
	m, rec := newTestManager(tr, Options{MaxAttempts: 2, ConnectTimeout: 20 * time.Millisecond})
	defer m.Shutdown()

	st, err := m.Open(context.Background(), "p1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Open() error = %v, want ErrConnectFailed", err)
	}
	if st.State != models.StateFailed {
		t.Errorf("state = %s, want Failed", st.State)
	}
	if n := tr.ConnectCalls("p1"); n != 2 {
		t.Errorf("ConnectCalls = %d, want 2", n)
	}
	want := []models.SessionState{models.StateConnecting, models.StateConnecting, models.StateFailed}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestVerifyTimeoutFails(t *testing.T) {
	tr := bletest.NewTransport()
	tr.BlockDiscover(true)
	m, rec := newTestManager(tr, Options{MaxAttempts: 1, VerifyTimeout: 20 * time.Millisecond})
	defer m.Shutdown()

	st, err := m.Open(context.Background(), "p1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Open() error = %v, want ErrConnectFailed", err)
	}
	if st.State != models.StateFailed {
		t.Errorf("state = %s, want Failed", st.State)
	}
	if tr.Disconnects("p1") == 0 {
		t.Error("half-open link was not disconnected")
	}
	want := []models.SessionState{models.StateConnecting, models.StateVerifying, models.StateFailed}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestUnverifiedPeerStillActivates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*bletest.Transport)
	}{
		{"service missing", func(tr *bletest.Transport) { tr.SetServices("0000180f-0000-1000-8000-00805f9b34fb") }},
		{"discovery error", func(tr *bletest.Transport) { tr.FailDiscover(bletest.ErrInjected) }},
		{"subscribe error", func(tr *bletest.Transport) {
			tr.SetServices("0000180f-0000-1000-8000-00805f9b34fb")
			tr.FailSubscribe(bletest.ErrInjected)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := bletest.NewTransport()
			tt.setup(tr)
			m, rec := newTestManager(tr, Options{})
			defer m.Shutdown()

			st, err := m.Open(context.Background(), "p1")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if st.State != models.StateActive || st.Verified {
				t.Errorf("status = %+v, want unverified Active", st)
			}
			if rec.last().Verified {
				t.Error("Active change should carry Verified=false")
			}
		})
	}
}

func TestCloseAlwaysReachesIdle(t *testing.T) {
	tr := bletest.NewTransport()
	m, rec := newTestManager(tr, Options{})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	tr.FailDisconnect(bletest.ErrInjected)

	if err := m.Close("p1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	st := m.Status("p1")
	if st.State != models.StateIdle || !st.ConnectedAt.IsZero() || st.Verified {
		t.Errorf("status after Close = %+v", st)
	}
	got := rec.states()
	tail := got[len(got)-2:]
	if !equalStates(tail, []models.SessionState{models.StateDisconnecting, models.StateIdle}) {
		t.Errorf("closing states = %v", tail)
	}

	// Closing an idle or unknown session is a no-op.
	if err := m.Close("p1"); err != nil {
		t.Errorf("Close() on idle = %v", err)
	}
	if err := m.Close("nobody"); err != nil {
		t.Errorf("Close() on unknown = %v", err)
	}
}

func TestCloseFailedResetsToIdle(t *testing.T) {
	tr := bletest.NewTransport()
	tr.FailConnect("p1", 1)
	m, _ := newTestManager(tr, Options{MaxAttempts: 1})
	defer m.Shutdown()

	_, _ = m.Open(context.Background(), "p1")
	if err := m.Close("p1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if st := m.Status("p1"); st.State != models.StateIdle || st.RetryCount != 0 {
		t.Errorf("status = %+v, want Idle with RetryCount 0", st)
	}
}

func TestSendRequiresActive(t *testing.T) {
	tr := bletest.NewTransport()
	m, _ := newTestManager(tr, Options{})
	defer m.Shutdown()

	if err := m.Send(context.Background(), "p1", []byte("Hi")); !errors.Is(err, ErrNotActive) {
		t.Errorf("Send() before Open error = %v, want ErrNotActive", err)
	}

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), "p1", []byte("Hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes := tr.Conn("p1").Writes(ble.MessageCharUUID)
	if len(writes) != 1 || string(writes[0]) != "Hi" {
		t.Errorf("writes = %q, want [Hi]", writes)
	}

	tr.FailWrite(bletest.ErrInjected)
	if err := m.Send(context.Background(), "p1", []byte("again")); !errors.Is(err, bletest.ErrInjected) {
		t.Errorf("Send() error = %v, want injected", err)
	}
}

func TestInboundDelivery(t *testing.T) {
	tr := bletest.NewTransport()
	m, rec := newTestManager(tr, Options{})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	conn := tr.Conn("p1")
	conn.Notify(ble.MessageCharUUID, []byte("hello"))
	conn.Notify(ble.ProfileCharUUID, []byte(`{"username":"alice"}`))

	rec.mu.Lock()
	if len(rec.messages) != 1 || string(rec.messages[0]) != "hello" {
		t.Errorf("messages = %q", rec.messages)
	}
	if len(rec.profiles) != 1 {
		t.Errorf("profiles = %q", rec.profiles)
	}
	rec.mu.Unlock()

	// Notifications from a closed link are ignored.
	if err := m.Close("p1"); err != nil {
		t.Fatal(err)
	}
	conn.Notify(ble.MessageCharUUID, []byte("late"))
	if n := rec.messageCount(); n != 1 {
		t.Errorf("message count after Close = %d, want 1", n)
	}
}

func TestLinkLossReconnects(t *testing.T) {
	tr := bletest.NewTransport()
	m, rec := newTestManager(tr, Options{AutoReconnect: true})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	tr.Conn("p1").Drop()

	waitFor(t, "reconnect", func() bool {
		return tr.ConnectCalls("p1") == 2 && m.Status("p1").State == models.StateActive
	})

	found := false
	rec.mu.Lock()
	for _, c := range rec.changes {
		if c.State == models.StateIdle && c.Reason == "link lost" {
			found = true
		}
	}
	rec.mu.Unlock()
	if !found {
		t.Error("expected an Idle change with reason \"link lost\"")
	}
}

func TestLinkLossWithoutReconnect(t *testing.T) {
	tr := bletest.NewTransport()
	m, _ := newTestManager(tr, Options{AutoReconnect: false})
	defer m.Shutdown()

	if _, err := m.Open(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	tr.Conn("p1").Drop()

	if st := m.Status("p1"); st.State != models.StateIdle {
		t.Errorf("state after drop = %s, want Idle", st.State)
	}
	if err := m.Send(context.Background(), "p1", []byte("x")); !errors.Is(err, ErrNotActive) {
		t.Errorf("Send() after drop error = %v, want ErrNotActive", err)
	}
	if n := tr.ConnectCalls("p1"); n != 1 {
		t.Errorf("ConnectCalls = %d, want 1", n)
	}
}

func TestShutdownCancelsInFlight(t *testing.T) {
	tr := bletest.NewTransport()
	tr.BlockConnect("slow", true)
	m, _ := newTestManager(tr, Options{ConnectTimeout: time.Minute})

	if _, err := m.Open(context.Background(), "fast"); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), "slow")
		errc <- err
	}()
	waitFor(t, "Connecting", func() bool { return m.Status("slow").State == models.StateConnecting })

	m.Shutdown()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("in-flight Open() error = %v, want context.Canceled", err)
	}
	for _, id := range []string{"fast", "slow"} {
		if st := m.Status(id); st.State != models.StateIdle {
			t.Errorf("%s state = %s, want Idle", id, st.State)
		}
	}
	if tr.Disconnects("fast") == 0 {
		t.Error("active session was not disconnected")
	}
	if _, err := m.Open(context.Background(), "fast"); !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	tr := bletest.NewTransport()
	tr.FailConnect("p1", 3)
	m, rec := newTestManager(tr, Options{MaxAttempts: 3, RetryBackoff: 200 * time.Millisecond})
	defer m.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := m.Open(ctx, "p1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
	want := []models.SessionState{models.StateConnecting, models.StateIdle}
	if got := rec.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if n := tr.ConnectCalls("p1"); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}
}

func TestNewManagerDefaults(t *testing.T) {
	def := DefaultOptions()
	m := NewManager(bletest.NewTransport(), Options{RetryBackoff: -time.Second}, Hooks{})
	defer m.Shutdown()

	got := m.opts
	if got.MaxAttempts != def.MaxAttempts || got.MaxBackoff != def.MaxBackoff ||
		got.ConnectTimeout != def.ConnectTimeout || got.VerifyTimeout != def.VerifyTimeout {
		t.Errorf("opts = %+v, want defaults for zero fields", got)
	}
	if got.RetryBackoff != 0 {
		t.Errorf("RetryBackoff = %v, want negative clamped to 0", got.RetryBackoff)
	}
	if got.AutoReconnect {
		t.Error("AutoReconnect should stay as given")
	}

	m2 := NewManager(bletest.NewTransport(), DefaultOptions(), Hooks{})
	defer m2.Shutdown()
	if m2.opts != def {
		t.Errorf("DefaultOptions() not kept: %+v", m2.opts)
	}
}

func TestStatuses(t *testing.T) {
	tr := bletest.NewTransport()
	m, _ := newTestManager(tr, Options{})
	defer m.Shutdown()

	for _, id := range []string{"a", "b"} {
		if _, err := m.Open(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(m.Statuses()); n != 2 {
		t.Errorf("Statuses() len = %d, want 2", n)
	}
	if st := m.Status("unknown"); st.State != models.StateIdle {
		t.Errorf("unknown peer state = %s, want Idle", st.State)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 4 * time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second},
		{100, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.n, base, max); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := backoffDelay(3, 0, max); got != 0 {
		t.Errorf("backoffDelay with zero base = %v, want 0", got)
	}
}
