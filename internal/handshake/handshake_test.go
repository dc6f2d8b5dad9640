package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example.com"

type fakeWindow struct {
	id         string
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func (w *fakeWindow) ID() string   { return w.id }
func (w *fakeWindow) Closed() bool { return w.closed.Load() }
func (w *fakeWindow) Close() error {
	w.closeCalls.Add(1)
	w.closed.Store(true)
	return nil
}

type fakeOpener struct {
	window   *fakeWindow
	err      error
	mu       sync.Mutex
	url      string
	name     string
	features Features
}

func (o *fakeOpener) Open(_ context.Context, url, name string, features Features) (Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.url, o.name, o.features = url, name, features
	if o.err != nil {
		return nil, o.err
	}
	if o.window == nil {
		return nil, nil
	}
	return o.window, nil
}

type fakeStatus struct {
	status Status
	err    error
	calls  atomic.Int32
}

func (f *fakeStatus) Status(context.Context) (Status, error) {
	f.calls.Add(1)
	return f.status, f.err
}

type harness struct {
	bus      *Bus
	window   *fakeWindow
	opener   *fakeOpener
	status   *fakeStatus
	outcomes atomic.Int32
	h        *Handshaker
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	hs := &harness{
		bus:    NewBus(),
		window: &fakeWindow{id: "win-1"},
		status: &fakeStatus{},
	}
	hs.opener = &fakeOpener{window: hs.window}

	cfg := Config{
		LoginURL:     "https://api.example.com/api/auth/google",
		Origin:       testOrigin,
		Opener:       hs.opener,
		Bus:          hs.bus,
		Status:       hs.status,
		PollInterval: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
		OnOutcome:    func(error) { hs.outcomes.Add(1) },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := New(cfg)
	require.NoError(t, err)
	hs.h = h
	return hs
}

func (hs *harness) post(origin, source string, payload Payload) int {
	return hs.bus.Post(Message{Origin: origin, Source: source, Data: payload})
}

func waitSettled(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(3 * time.Second):
		t.Fatal("session did not settle")
		return nil
	}
}

func assertPending(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
		t.Fatalf("session settled unexpectedly: %v", s.Err())
	case <-time.After(d):
	}
}

func TestInitiate_SuccessMessage(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	assert.Equal(t, Payload{}, s.Payload())
	assert.Equal(t, 1, hs.post(testOrigin, "win-1", Payload{Type: TypeAuthSuccess, Code: "hc-1"}))

	err := waitSettled(t, s)
	require.NoError(t, err)
	assert.Equal(t, "hc-1", s.Payload().Code)
	assert.Equal(t, int32(1), hs.outcomes.Load())
	assert.Equal(t, 0, hs.bus.Listeners(), "message listener must be removed")
	assert.Equal(t, int32(0), hs.status.calls.Load())
	assert.Equal(t, int32(0), hs.window.closeCalls.Load(), "child closes itself on success")

	// Later triggers have no effect.
	hs.window.closed.Store(true)
	assert.Equal(t, 0, hs.post(testOrigin, "win-1", Payload{Type: TypeAuthError, Error: "late"}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), hs.status.calls.Load())
	assert.Equal(t, int32(1), hs.outcomes.Load())
	assert.NoError(t, s.Err())
}

func TestInitiate_ErrorMessage(t *testing.T) {
	tests := []struct {
		name        string
		errText     string
		wantMessage string
	}{
		{name: "carries_error_text", errText: "invalid_grant", wantMessage: "invalid_grant"},
		{name: "empty_error_uses_generic_message", errText: "", wantMessage: defaultAuthErrorMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, nil)
			s := hs.h.Initiate(context.Background())

			hs.post(testOrigin, "win-1", Payload{Type: TypeAuthError, Error: tt.errText})

			err := waitSettled(t, s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAuthError))
			assert.Contains(t, err.Error(), tt.wantMessage)
			assert.Equal(t, "auth-error:"+tt.wantMessage, err.Error())
			assert.Equal(t, 0, hs.bus.Listeners())
		})
	}
}

func TestInitiate_IgnoresForeignOrigin(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	assert.Equal(t, 0, hs.post("https://evil.example.com", "win-1", Payload{Type: TypeAuthSuccess}))
	assert.Equal(t, 0, hs.post("", "win-1", Payload{Type: TypeAuthSuccess}))
	assertPending(t, s, 40*time.Millisecond)

	hs.post(testOrigin, "win-1", Payload{Type: TypeAuthSuccess})
	require.NoError(t, waitSettled(t, s))
}

func TestInitiate_IgnoresForeignSource(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	assert.Equal(t, 0, hs.post(testOrigin, "win-2", Payload{Type: TypeAuthSuccess}))
	assert.Equal(t, 0, hs.post(testOrigin, "", Payload{Type: TypeAuthSuccess}))
	assertPending(t, s, 40*time.Millisecond)

	hs.post(testOrigin, "win-1", Payload{Type: TypeAuthError, Error: "denied"})
	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrAuthError))
}

func TestInitiate_IgnoresUnknownType(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	assert.Equal(t, 1, hs.post(testOrigin, "win-1", Payload{Type: "PING"}))
	assertPending(t, s, 30*time.Millisecond)

	hs.post(testOrigin, "win-1", Payload{Type: TypeAuthSuccess})
	require.NoError(t, waitSettled(t, s))
}

func TestInitiate_WindowClosed(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		err      error
		wantKind Kind
	}{
		{
			name:   "authenticated_session_is_success",
			status: Status{Authenticated: true, Email: "user@example.com"},
		},
		{
			name:     "no_session_is_cancelled",
			status:   Status{Authenticated: false},
			wantKind: KindAuthCancelled,
		},
		{
			name:     "status_error",
			err:      errors.New("connection refused"),
			wantKind: KindStatusCheckFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness(t, nil)
			hs.status.status = tt.status
			hs.status.err = tt.err
			s := hs.h.Initiate(context.Background())

			hs.window.closed.Store(true)

			err := waitSettled(t, s)
			assert.Equal(t, int32(1), hs.status.calls.Load(), "exactly one status check")
			assert.Equal(t, 0, hs.bus.Listeners())
			if tt.wantKind == "" {
				assert.NoError(t, err)
				assert.Empty(t, s.Payload().Code, "status fallback carries no handoff code")
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestInitiate_Timeout(t *testing.T) {
	hs := newHarness(t, func(c *Config) {
		c.Timeout = 30 * time.Millisecond
	})
	s := hs.h.Initiate(context.Background())

	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, int32(1), hs.window.closeCalls.Load(), "timeout closes the child window")
	assert.True(t, hs.window.Closed())
	assert.Equal(t, int32(0), hs.status.calls.Load(), "closing on timeout must not trigger a status check")
	assert.Equal(t, 0, hs.bus.Listeners())
	assert.Equal(t, int32(1), hs.outcomes.Load())
}

func TestInitiate_PopupBlocked(t *testing.T) {
	hs := newHarness(t, nil)
	hs.opener.err = errors.New("executable not found")

	s := hs.h.Initiate(context.Background())

	select {
	case <-s.Done():
	default:
		t.Fatal("blocked popup must settle immediately")
	}
	err := s.Err()
	assert.True(t, errors.Is(err, ErrPopupBlocked))
	assert.Contains(t, err.Error(), "executable not found")
	assert.Nil(t, s.Window())
	assert.Equal(t, 0, hs.bus.Listeners(), "no listeners may be left registered")
	assert.Equal(t, int32(1), hs.outcomes.Load())
}

func TestInitiate_NilWindowIsBlocked(t *testing.T) {
	hs := newHarness(t, nil)
	hs.opener.window = nil

	err := hs.h.Login(context.Background())
	assert.True(t, errors.Is(err, ErrPopupBlocked))
}

func TestSession_Cancel(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	s.Cancel()

	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), hs.window.closeCalls.Load())
	assert.Equal(t, 0, hs.bus.Listeners())

	// Cancelling a settled session is a no-op.
	s.Cancel()
	assert.Equal(t, int32(1), hs.outcomes.Load())
}

func TestSession_ContextCancel(t *testing.T) {
	hs := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := hs.h.Initiate(ctx)

	cancel()

	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, hs.window.Closed())
}

func TestSession_WaitContextExpiry(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.h.Initiate(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Wait(ctx)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, hs.window.Closed())
}

func TestSession_CancelDuringStatusCheck(t *testing.T) {
	started := make(chan struct{})
	hs := newHarness(t, func(c *Config) {
		c.Status = StatusFunc(func(ctx context.Context) (Status, error) {
			close(started)
			<-ctx.Done()
			return Status{}, ctx.Err()
		})
	})
	s := hs.h.Initiate(context.Background())
	hs.window.closed.Store(true)

	<-started
	s.Cancel()

	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestSession_StatusCheckTimeout(t *testing.T) {
	hs := newHarness(t, func(c *Config) {
		c.StatusTimeout = 20 * time.Millisecond
		c.Status = StatusFunc(func(ctx context.Context) (Status, error) {
			<-ctx.Done()
			return Status{}, ctx.Err()
		})
	})
	s := hs.h.Initiate(context.Background())
	hs.window.closed.Store(true)

	err := waitSettled(t, s)
	assert.True(t, errors.Is(err, ErrStatusCheckFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSession_ExactlyOnceUnderRacingTriggers(t *testing.T) {
	for i := 0; i < 50; i++ {
		t.Run(fmt.Sprintf("round_%d", i), func(t *testing.T) {
			var outcomes atomic.Int32
			hs := newHarness(t, func(c *Config) {
				c.PollInterval = time.Millisecond
				c.Timeout = 3 * time.Millisecond
				c.OnOutcome = func(error) { outcomes.Add(1) }
			})
			hs.status.status = Status{Authenticated: true}
			s := hs.h.Initiate(context.Background())

			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				hs.post(testOrigin, "win-1", Payload{Type: TypeAuthSuccess})
			}()
			go func() {
				defer wg.Done()
				hs.window.closed.Store(true)
			}()
			go func() {
				defer wg.Done()
				s.Cancel()
			}()
			wg.Wait()

			waitSettled(t, s)
			time.Sleep(10 * time.Millisecond)
			assert.Equal(t, int32(1), outcomes.Load())
			assert.Equal(t, 0, hs.bus.Listeners())
		})
	}
}

func TestHandshaker_IndependentSessions(t *testing.T) {
	bus := NewBus()
	w1 := &fakeWindow{id: "win-a"}
	w2 := &fakeWindow{id: "win-b"}

	newH := func(w *fakeWindow) *Handshaker {
		h, err := New(Config{
			LoginURL:     "https://api.example.com/api/auth/google",
			Origin:       testOrigin,
			Opener:       &fakeOpener{window: w},
			Bus:          bus,
			Status:       &fakeStatus{},
			PollInterval: 5 * time.Millisecond,
			Timeout:      time.Second,
		})
		require.NoError(t, err)
		return h
	}

	s1 := newH(w1).Initiate(context.Background())
	s2 := newH(w2).Initiate(context.Background())
	assert.Equal(t, 2, bus.Listeners())

	bus.Post(Message{Origin: testOrigin, Source: "win-b", Data: Payload{Type: TypeAuthError, Error: "nope"}})
	err := waitSettled(t, s2)
	assert.True(t, errors.Is(err, ErrAuthError))
	assertPending(t, s1, 30*time.Millisecond)

	bus.Post(Message{Origin: testOrigin, Source: "win-a", Data: Payload{Type: TypeAuthSuccess}})
	assert.NoError(t, waitSettled(t, s1))
	assert.Equal(t, 0, bus.Listeners())
}

func TestInitiate_OpensCenteredPopup(t *testing.T) {
	hs := newHarness(t, func(c *Config) {
		c.Geometry = Geometry{ScreenX: 100, ScreenY: 50, OuterWidth: 1500, OuterHeight: 1000}
	})
	s := hs.h.Initiate(context.Background())
	defer s.Cancel()

	hs.opener.mu.Lock()
	defer hs.opener.mu.Unlock()
	assert.Equal(t, "https://api.example.com/api/auth/google", hs.opener.url)
	assert.Equal(t, DefaultWindowName, hs.opener.name)
	assert.Equal(t, Features{
		Width: 500, Height: 600, Left: 600, Top: 250, Scrollbars: true, Resizable: true,
	}, hs.opener.features)
}

func TestNew_Validation(t *testing.T) {
	valid := Config{
		LoginURL: "https://api.example.com/api/auth/google",
		Origin:   testOrigin,
		Opener:   &fakeOpener{},
		Bus:      NewBus(),
		Status:   &fakeStatus{},
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing_url", mutate: func(c *Config) { c.LoginURL = "" }, wantErr: "login URL"},
		{name: "missing_origin", mutate: func(c *Config) { c.Origin = "" }, wantErr: "origin"},
		{name: "missing_opener", mutate: func(c *Config) { c.Opener = nil }, wantErr: "opener"},
		{name: "missing_bus", mutate: func(c *Config) { c.Bus = nil }, wantErr: "bus"},
		{name: "missing_status", mutate: func(c *Config) { c.Status = nil }, wantErr: "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	h, err := New(valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, h.cfg.PollInterval)
	assert.Equal(t, DefaultTimeout, h.cfg.Timeout)
	assert.Equal(t, DefaultStatusTimeout, h.cfg.StatusTimeout)
	assert.Equal(t, DefaultWidth, h.cfg.Width)
	assert.Equal(t, DefaultHeight, h.cfg.Height)
}
