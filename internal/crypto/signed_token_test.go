package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Nonce    string `json:"nonce"`
	Provider string `json:"provider"`
}

func TestTokenSigner_RoundTrip(t *testing.T) {
	ts := NewTokenSigner([]byte("signing-key-signing-key-signing!"), 10*time.Minute)

	token, err := ts.Sign(testState{Nonce: "n", Provider: "google"})
	require.NoError(t, err)

	var got testState
	require.NoError(t, ts.Verify(token, &got))
	assert.Equal(t, testState{Nonce: "n", Provider: "google"}, got)
}

func TestTokenSigner_Rejects(t *testing.T) {
	ts := NewTokenSigner([]byte("signing-key-signing-key-signing!"), time.Minute)
	token, err := ts.Sign(testState{Nonce: "n"})
	require.NoError(t, err)

	var got testState

	t.Run("tampered_payload", func(t *testing.T) {
		payload, sig, _ := strings.Cut(token, ".")
		tampered := "x" + payload[1:] + "." + sig
		assert.ErrorIs(t, ts.Verify(tampered, &got), ErrInvalidSignature)
	})

	t.Run("malformed", func(t *testing.T) {
		assert.ErrorIs(t, ts.Verify("nodot", &got), ErrMalformedToken)
		assert.ErrorIs(t, ts.Verify(".sig", &got), ErrMalformedToken)
	})

	t.Run("other_key", func(t *testing.T) {
		other := NewTokenSigner([]byte("another-key-another-key-another!"), time.Minute)
		assert.ErrorIs(t, other.Verify(token, &got), ErrInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		expiring := NewTokenSigner([]byte("signing-key-signing-key-signing!"), time.Minute)
		expiring.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
		old, err := expiring.Sign(testState{Nonce: "n"})
		require.NoError(t, err)

		assert.ErrorIs(t, ts.Verify(old, &got), ErrTokenExpired)
	})
}

func TestCSRFProtection(t *testing.T) {
	csrf := NewCSRFProtection([]byte("csrf-key"), time.Hour)

	token, err := csrf.Generate()
	require.NoError(t, err)
	assert.True(t, csrf.Validate(token))
	assert.True(t, csrf.Matches(token, token))

	other, err := csrf.Generate()
	require.NoError(t, err)
	assert.False(t, csrf.Matches(token, other), "header and cookie differ")
	assert.False(t, csrf.Matches("", token))

	forged := "nonce:1700000000:sig"
	assert.False(t, csrf.Matches(forged, forged))

	foreign := NewCSRFProtection([]byte("other-key"), time.Hour)
	assert.False(t, foreign.Validate(token))
}
