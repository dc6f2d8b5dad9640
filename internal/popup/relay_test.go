package popup

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/fin-auth/internal/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://auth.example.com"

func newTestRelay(t *testing.T) (*Relay, *handshake.Bus) {
	t.Helper()
	bus := handshake.NewBus()
	r, err := NewRelay(bus, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, bus
}

func post(t *testing.T, r *Relay, method, origin, window, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.URL(), strings.NewReader(body))
	require.NoError(t, err)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if window != "" {
		req.Header.Set(HeaderWindow, window)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRelay_URLIsLoopback(t *testing.T) {
	r, _ := newTestRelay(t)
	assert.True(t, strings.HasPrefix(r.URL(), "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(r.URL(), "/message"))
}

func TestRelay_DeliversMatchingMessage(t *testing.T) {
	r, bus := newTestRelay(t)
	inbox := bus.Listen(testOrigin, "w1")
	defer inbox.Close()

	resp := post(t, r, http.MethodPost, testOrigin, "w1", `{"type":"AUTH_ERROR","error":"access_denied"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	select {
	case msg := <-inbox.C():
		assert.Equal(t, handshake.TypeAuthError, msg.Data.Type)
		assert.Equal(t, "access_denied", msg.Data.Error)
		assert.Equal(t, "w1", msg.Source)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRelay_DropsForeignMessages(t *testing.T) {
	r, bus := newTestRelay(t)
	inbox := bus.Listen(testOrigin, "w1")
	defer inbox.Close()

	tests := []struct {
		name   string
		origin string
		window string
	}{
		{"foreign_origin", "https://evil.example.com", "w1"},
		{"no_origin", "", "w1"},
		{"other_window", testOrigin, "w2"},
		{"no_window", testOrigin, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, r, http.MethodPost, tt.origin, tt.window, `{"type":"AUTH_SUCCESS"}`)
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}

	select {
	case msg := <-inbox.C():
		t.Fatalf("unexpected delivery: %+v", msg)
	default:
	}
}

func TestRelay_Preflight(t *testing.T) {
	r, _ := newTestRelay(t)

	resp := post(t, r, http.MethodOptions, testOrigin, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), HeaderWindow)
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Private-Network"))

	resp = post(t, r, http.MethodOptions, "https://evil.example.com", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelay_RejectsBadRequests(t *testing.T) {
	r, _ := newTestRelay(t)

	resp := post(t, r, http.MethodGet, testOrigin, "w1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = post(t, r, http.MethodPost, testOrigin, "w1", "not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	big := `{"type":"AUTH_ERROR","error":"` + strings.Repeat("x", maxMessageSize) + `"}`
	resp = post(t, r, http.MethodPost, testOrigin, "w1", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil, testOrigin)
	assert.Error(t, err)
	_, err = NewRelay(handshake.NewBus(), "")
	assert.Error(t, err)
}
