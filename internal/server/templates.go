package server

import (
	_ "embed"
	"html/template"

	"github.com/dgellow/fin-auth/internal/handshake"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData represents the data for the login callback page.
// Message goes to window.opener and never carries a handoff code.
type CallbackPageData struct {
	Success bool
	Message handshake.Payload
	Relay   *RelayDelivery
}

// RelayDelivery is what the page posts to a command-line login's loopback
// relay. It is embedded in the page as JSON.
type RelayDelivery struct {
	URL     string            `json:"url"`
	Window  string            `json:"window"`
	Message handshake.Payload `json:"message"`
}
