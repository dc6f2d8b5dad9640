// Package handshake coordinates a third-party login performed in a child
// window. The opener waits, without blocking, until the child reports an
// outcome over the message bus, the child is closed, or a timeout elapses.
// Whichever happens first settles the session; the others become inert.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/fin-auth/internal/log"
)

const (
	// DefaultPollInterval is how often the child window is checked for closure.
	DefaultPollInterval = time.Second

	// DefaultTimeout bounds the whole login attempt.
	DefaultTimeout = 5 * time.Minute

	// DefaultStatusTimeout bounds the fallback status check.
	DefaultStatusTimeout = 10 * time.Second

	// DefaultWindowName is the browsing context name the popup is opened with.
	DefaultWindowName = "googleAuth"
)

// Status is the answer of the backend session-status endpoint.
type Status struct {
	Authenticated bool
	UserID        string
	Email         string
	Provider      string
}

// StatusChecker asks the backend whether a session was established. It is
// only consulted when the child window closes without reporting an outcome.
type StatusChecker interface {
	Status(ctx context.Context) (Status, error)
}

// StatusFunc adapts a function to StatusChecker.
type StatusFunc func(ctx context.Context) (Status, error)

func (f StatusFunc) Status(ctx context.Context) (Status, error) {
	return f(ctx)
}

// Config wires a Handshaker to its host.
type Config struct {
	// LoginURL is the third-party login endpoint the popup is pointed at.
	LoginURL string
	// Origin is the only message origin accepted, see OriginOf.
	Origin string

	Opener Opener
	Bus    *Bus
	Status StatusChecker

	Geometry   Geometry
	Width      int
	Height     int
	WindowName string

	PollInterval  time.Duration
	Timeout       time.Duration
	StatusTimeout time.Duration

	// OnOutcome, if set, is called exactly once per session with its outcome
	// (nil on success) before Wait returns.
	OnOutcome func(err error)
}

// Handshaker starts login sessions. It holds no per-session state, so one
// Handshaker may run any number of independent sessions.
type Handshaker struct {
	cfg Config
}

// New validates cfg, applies defaults and returns a Handshaker.
func New(cfg Config) (*Handshaker, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("login URL is required")
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("expected message origin is required")
	}
	if cfg.Opener == nil {
		return nil, fmt.Errorf("opener is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("status checker is required")
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.WindowName == "" {
		cfg.WindowName = DefaultWindowName
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	return &Handshaker{cfg: cfg}, nil
}

// Login runs one session to completion.
func (h *Handshaker) Login(ctx context.Context) error {
	return h.Initiate(ctx).Wait(ctx)
}

// Initiate opens the popup and arms the watchers. It returns immediately; the
// outcome is available from the session. If the popup cannot be opened the
// returned session is already settled with popup-blocked and nothing is
// registered on the bus. Cancelling ctx cancels the session.
func (h *Handshaker) Initiate(ctx context.Context) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:    h.cfg,
		parent: ctx,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	features := Center(h.cfg.Geometry, h.cfg.Width, h.cfg.Height)
	log.LogDebugWithFields("handshake", "Opening login popup", map[string]any{
		"url":      h.cfg.LoginURL,
		"features": features.String(),
	})

	window, err := h.cfg.Opener.Open(sctx, h.cfg.LoginURL, h.cfg.WindowName, features)
	if err == nil && window == nil {
		err = errors.New("opener returned no window")
	}
	if err != nil {
		log.LogWarnWithFields("handshake", "Popup could not be opened", map[string]any{
			"error": err.Error(),
		})
		s.settle(newError(KindPopupBlocked, err))
		cancel()
		return s
	}

	s.window = window
	inbox := h.cfg.Bus.Listen(h.cfg.Origin, window.ID())
	go s.run(inbox)
	return s
}

// Session is one in-flight login attempt.
type Session struct {
	cfg    Config
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	window Window

	explicitCancel atomic.Bool

	once    sync.Once
	done    chan struct{}
	err     error
	payload Payload
}

// Window returns the child window, or nil if it could not be opened.
func (s *Session) Window() Window {
	return s.window
}

// Done is closed once the session has settled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the outcome. It is only meaningful once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Payload returns the success message the session settled on. It is zero
// until Done is closed, and stays zero when success came from the status
// fallback rather than a message.
func (s *Session) Payload() Payload {
	select {
	case <-s.done:
		return s.payload
	default:
		return Payload{}
	}
}

// Wait blocks until the session settles. If ctx ends first the session is
// cancelled and Wait returns whatever it settled with.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		s.Cancel()
		<-s.done
		return s.err
	}
}

// Cancel abandons the session: the child window is closed and the session
// settles with cancelled. It is a no-op once the session has settled.
func (s *Session) Cancel() {
	s.explicitCancel.Store(true)
	s.cancel()
}

// run is the only goroutine that touches the watchers, so whichever trigger
// it observes first decides the outcome.
func (s *Session) run(inbox *Inbox) {
	defer s.cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	timer := time.NewTimer(s.cfg.Timeout)
	cleanup := func() {
		ticker.Stop()
		timer.Stop()
		inbox.Close()
	}

	for {
		select {
		case msg := <-inbox.C():
			switch msg.Data.Type {
			case TypeAuthSuccess:
				cleanup()
				s.payload = msg.Data
				s.settle(nil)
				return
			case TypeAuthError:
				cleanup()
				s.settle(authError(msg.Data.Error))
				return
			default:
				log.LogTraceWithFields("handshake", "Ignoring message of unknown type", map[string]any{
					"type":   msg.Data.Type,
					"window": msg.Source,
				})
			}

		case <-ticker.C:
			if !s.window.Closed() {
				continue
			}
			cleanup()
			s.settle(s.checkStatus())
			return

		case <-timer.C:
			cleanup()
			s.closeWindow()
			s.settle(newError(KindTimeout, nil))
			return

		case <-s.ctx.Done():
			cleanup()
			s.closeWindow()
			s.settle(s.cancelError())
			return
		}
	}
}

// checkStatus decides the outcome of a window closed without a message.
func (s *Session) checkStatus() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.StatusTimeout)
	defer cancel()

	status, err := s.cfg.Status.Status(ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.cancelError()
		}
		return newError(KindStatusCheckFailed, err)
	}
	if status.Authenticated {
		log.LogDebugWithFields("handshake", "Popup closed after session was established", map[string]any{
			"user": status.Email,
		})
		return nil
	}
	return newError(KindAuthCancelled, nil)
}

func (s *Session) cancelError() error {
	if s.explicitCancel.Load() || s.parent.Err() == nil {
		return newError(KindCancelled, nil)
	}
	return newError(KindCancelled, s.parent.Err())
}

func (s *Session) closeWindow() {
	if s.window.Closed() {
		return
	}
	if err := s.window.Close(); err != nil {
		log.LogWarnWithFields("handshake", "Failed to close popup", map[string]any{
			"window": s.window.ID(),
			"error":  err.Error(),
		})
	}
}

func (s *Session) settle(err error) {
	s.once.Do(func() {
		s.err = err
		fields := map[string]any{"outcome": "success"}
		if s.window != nil {
			fields["window"] = s.window.ID()
		}
		if err != nil {
			fields["outcome"] = string(KindOf(err))
			fields["error"] = err.Error()
		}
		log.LogInfoWithFields("handshake", "Login handshake settled", fields)

		if s.cfg.OnOutcome != nil {
			s.cfg.OnOutcome(err)
		}
		close(s.done)
	})
}
