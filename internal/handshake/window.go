package handshake

import (
	"context"
	"fmt"
)

// Default popup dimensions.
const (
	DefaultWidth  = 500
	DefaultHeight = 600
)

// Window is a child browsing context opened for one login attempt.
type Window interface {
	// ID identifies the window as a message source. Messages whose source
	// differs from the ID of the window a session opened are ignored.
	ID() string
	// Closed reports whether the window has been closed, by the user or by Close.
	Closed() bool
	// Close closes the window. Closing an already closed window is a no-op.
	Close() error
}

// Opener creates child windows. An error means the window could not be
// created at all, which the session reports as popup-blocked.
type Opener interface {
	Open(ctx context.Context, url, name string, features Features) (Window, error)
}

// Geometry is the position and outer size of the opener.
type Geometry struct {
	ScreenX     int
	ScreenY     int
	OuterWidth  int
	OuterHeight int
}

// Features are the window features a popup is opened with.
type Features struct {
	Width      int
	Height     int
	Left       int
	Top        int
	Scrollbars bool
	Resizable  bool
}

// Center returns features for a width x height popup centred on the opener.
func Center(g Geometry, width, height int) Features {
	return Features{
		Width:      width,
		Height:     height,
		Left:       g.ScreenX + (g.OuterWidth-width)/2,
		Top:        g.ScreenY + (g.OuterHeight-height)/2,
		Scrollbars: true,
		Resizable:  true,
	}
}

// String renders the features in window.open syntax.
func (f Features) String() string {
	return fmt.Sprintf("width=%d,height=%d,left=%d,top=%d,scrollbars=%s,resizable=%s",
		f.Width, f.Height, f.Left, f.Top, yesNo(f.Scrollbars), yesNo(f.Resizable))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
