// Package popup hosts the login handshake outside a browser page: the child
// window is a dedicated browser process and messages arrive over a loopback
// HTTP relay.
package popup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dgellow/fin-auth/internal/handshake"
	"github.com/dgellow/fin-auth/internal/log"
	"github.com/dgellow/fin-auth/internal/urlutil"
	"github.com/oklog/ulid/v2"
)

// Query parameters added to the login URL.
const (
	ParamPopup     = "popup"
	ParamRelay     = "relay"
	ParamChallenge = "challenge"
)

// closeGrace is how long Close waits after SIGTERM before killing.
const closeGrace = 2 * time.Second

// NewWindowID returns a fresh window ID.
func NewWindowID() string {
	return ulid.Make().String()
}

// candidates are tried in order by FindBrowser.
var candidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"microsoft-edge",
	"brave-browser",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// FindBrowser returns the first Chromium-family browser on this machine.
func FindBrowser() (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no supported browser found")
}

// BrowserOpener opens each popup as its own browser process in app mode, so
// the process exiting means the window was closed.
type BrowserOpener struct {
	// Command is the browser executable.
	Command string
	// Args are prepended to the generated browser arguments.
	Args []string
	// Env, if set, replaces the process environment.
	Env []string

	// Relay and Challenge are added to every login URL.
	Relay     string
	Challenge string

	// NextID allocates window IDs; NewWindowID when nil.
	NextID func() string
}

var _ handshake.Opener = (*BrowserOpener)(nil)

// browserArgs builds the Chromium command line for one popup.
func browserArgs(loginURL, profileDir string, f handshake.Features) []string {
	return []string{
		"--app=" + loginURL,
		"--window-size=" + strconv.Itoa(f.Width) + "," + strconv.Itoa(f.Height),
		"--window-position=" + strconv.Itoa(f.Left) + "," + strconv.Itoa(f.Top),
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
}

// LoginURL adds the popup parameters to base.
func (o *BrowserOpener) LoginURL(base, windowID string) (string, error) {
	params := url.Values{ParamPopup: {windowID}}
	if o.Relay != "" {
		params.Set(ParamRelay, o.Relay)
	}
	if o.Challenge != "" {
		params.Set(ParamChallenge, o.Challenge)
	}
	return urlutil.WithQuery(base, params)
}

// Open starts the browser. The name argument has no meaning for a separate
// process and is only logged.
func (o *BrowserOpener) Open(_ context.Context, rawURL, name string, features handshake.Features) (handshake.Window, error) {
	if o.Command == "" {
		return nil, errors.New("no browser command configured")
	}

	nextID := o.NextID
	if nextID == nil {
		nextID = NewWindowID
	}
	id := nextID()

	loginURL, err := o.LoginURL(rawURL, id)
	if err != nil {
		return nil, fmt.Errorf("build login URL: %w", err)
	}

	profileDir, err := os.MkdirTemp("", "fin-login-")
	if err != nil {
		return nil, fmt.Errorf("create browser profile: %w", err)
	}

	args := append(append([]string{}, o.Args...), browserArgs(loginURL, profileDir, features)...)
	cmd := exec.Command(o.Command, args...)
	if o.Env != nil {
		cmd.Env = o.Env
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("start browser: %w", err)
	}

	log.LogDebugWithFields("popup", "Browser window started", map[string]any{
		"window": id,
		"name":   name,
		"pid":    cmd.Process.Pid,
	})

	w := &processWindow{id: id, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(w.done)
		_ = os.RemoveAll(profileDir)
		fields := map[string]any{"window": id}
		if err != nil {
			fields["exit"] = err.Error()
		}
		log.LogDebugWithFields("popup", "Browser window exited", fields)
	}()
	return w, nil
}

// processWindow is a browser process standing in for a child window.
type processWindow struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (w *processWindow) ID() string {
	return w.id
}

func (w *processWindow) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Close asks the browser to exit and kills it if it has not after a grace
// period. It returns once the process is gone.
func (w *processWindow) Close() error {
	w.closeOnce.Do(func() {
		if w.Closed() {
			return
		}
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			w.closeErr = w.cmd.Process.Kill()
		}
		select {
		case <-w.done:
		case <-time.After(closeGrace):
			w.closeErr = w.cmd.Process.Kill()
			<-w.done
		}
	})
	if errors.Is(w.closeErr, os.ErrProcessDone) {
		return nil
	}
	return w.closeErr
}
