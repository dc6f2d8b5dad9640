package popup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dgellow/fin-auth/internal/handshake"
	jsonwriter "github.com/dgellow/fin-auth/internal/json"
	"github.com/dgellow/fin-auth/internal/log"
)

// HeaderWindow carries the ID of the window that posted a relay message.
const HeaderWindow = "X-Popup-Window"

// maxMessageSize bounds a relay message body.
const maxMessageSize = 4 << 10

// Relay receives messages posted by callback pages and forwards them to a
// bus. It listens on a random loopback port.
type Relay struct {
	bus    *handshake.Bus
	origin string

	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewRelay listens on 127.0.0.1 and starts serving. origin is the only page
// origin allowed to post through CORS.
func NewRelay(bus *handshake.Bus, origin string) (*Relay, error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if origin == "" {
		return nil, errors.New("origin is required")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}

	r := &Relay{
		bus:      bus,
		origin:   origin,
		listener: l,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/message", r.handleMessage)
	r.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer close(r.done)
		if err := r.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogErrorWithFields("relay", "Relay server failed", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	log.LogDebugWithFields("relay", "Relay listening", map[string]any{
		"url":    r.URL(),
		"origin": origin,
	})
	return r, nil
}

// URL is the address callback pages post to.
func (r *Relay) URL() string {
	return "http://" + r.listener.Addr().String() + "/message"
}

// Close shuts the relay down.
func (r *Relay) Close(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	<-r.done
	return err
}

func (r *Relay) setCORS(w http.ResponseWriter, origin string) bool {
	if origin != r.origin {
		return false
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderWindow)
	h.Set("Access-Control-Allow-Private-Network", "true")
	h.Set("Access-Control-Max-Age", "600")
	h.Add("Vary", "Origin")
	return true
}

// handleMessage turns a POST into a bus message. The origin is whatever the
// browser put in the Origin header; the bus, not the relay, decides whether
// any session accepts it.
func (r *Relay) handleMessage(w http.ResponseWriter, req *http.Request) {
	origin := req.Header.Get("Origin")

	switch req.Method {
	case http.MethodOptions:
		if !r.setCORS(w, origin) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		jsonwriter.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.setCORS(w, origin)

	var payload handshake.Payload
	body := http.MaxBytesReader(w, req.Body, maxMessageSize)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonwriter.WriteError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		jsonwriter.WriteBadRequest(w, "invalid message")
		return
	}
	_, _ = io.Copy(io.Discard, body)

	delivered := r.bus.Post(handshake.Message{
		Origin: origin,
		Source: req.Header.Get(HeaderWindow),
		Data:   payload,
	})

	log.LogDebugWithFields("relay", "Message received", map[string]any{
		"type":      payload.Type,
		"origin":    origin,
		"delivered": delivered,
	})

	w.WriteHeader(http.StatusNoContent)
}
