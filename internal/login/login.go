// Package login runs a command-line sign-in: it opens the login page in a
// browser window, waits for the popup handshake to settle and redeems the
// resulting grant for tokens.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/fin-auth/internal/authclient"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/handshake"
	"github.com/dgellow/fin-auth/internal/log"
	"github.com/dgellow/fin-auth/internal/popup"
)

// ErrNoHandoffCode means the login completed but its handoff code never
// reached the loopback relay, so the grant cannot be redeemed here.
var ErrNoHandoffCode = errors.New("login completed but no handoff code reached the relay")

// Options configure one sign-in.
type Options struct {
	Client   *authclient.Client
	Provider string

	// Browser is the executable that hosts the login window. BrowserArgs
	// are passed before the generated arguments; BrowserEnv, if set,
	// replaces the browser's environment.
	Browser     string
	BrowserArgs []string
	BrowserEnv  []string

	// Geometry is the area the window is centred on.
	Geometry handshake.Geometry

	Timeout      time.Duration
	PollInterval time.Duration
}

// Run signs in and returns the issued tokens. Handshake failures are
// *handshake.Error values.
func Run(ctx context.Context, opts Options) (*authclient.TokenResponse, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Provider == "" {
		return nil, errors.New("provider is required")
	}

	verifier, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}

	bus := handshake.NewBus()
	origin := opts.Client.Origin()
	relay, err := popup.NewRelay(bus, origin)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = relay.Close(shutdownCtx)
	}()

	windowID := popup.NewWindowID()
	opener := &popup.BrowserOpener{
		Command:   opts.Browser,
		Args:      opts.BrowserArgs,
		Env:       opts.BrowserEnv,
		Relay:     relay.URL(),
		Challenge: crypto.S256Challenge(verifier),
		NextID:    func() string { return windowID },
	}

	h, err := handshake.New(handshake.Config{
		LoginURL:     opts.Client.LoginURL(opts.Provider),
		Origin:       origin,
		Opener:       opener,
		Bus:          bus,
		Status:       opts.Client.StatusChecker(windowID),
		Geometry:     opts.Geometry,
		PollInterval: opts.PollInterval,
		Timeout:      opts.Timeout,
		OnOutcome: func(err error) {
			log.LogInfoWithFields("login", "Login handshake settled", map[string]any{
				"window":   windowID,
				"provider": opts.Provider,
				"outcome":  outcome(err),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	session := h.Initiate(ctx)
	if err := session.Wait(ctx); err != nil {
		return nil, err
	}
	// A page cannot close an app window it did not open; do it here.
	if w := session.Window(); w != nil {
		_ = w.Close()
	}

	code := session.Payload().Code
	if code == "" {
		return nil, ErrNoHandoffCode
	}
	tokens, err := opts.Client.Handoff(ctx, windowID, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("redeem login: %w", err)
	}
	return tokens, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(handshake.KindOf(err))
}
