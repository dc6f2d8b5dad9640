package authtoken

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/oklog/ulid/v2"
)

// Refresh is a freshly minted refresh token. Token goes to the client; ID and
// SecretHash are stored.
type Refresh struct {
	Token      string
	ID         string
	SecretHash []byte
}

// NewRefresh mints a refresh token of the form "<ulid>.<secret>".
func NewRefresh(now time.Time) (*Refresh, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return nil, fmt.Errorf("generate refresh id: %w", err)
	}
	secret, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("hash refresh secret: %w", err)
	}
	return &Refresh{
		Token:      id.String() + "." + secret,
		ID:         id.String(),
		SecretHash: hash,
	}, nil
}

// SplitRefresh separates a refresh token into its session ID and secret.
func SplitRefresh(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return "", "", ErrInvalidToken
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}

// VerifyRefresh reports whether secret matches the stored hash.
func VerifyRefresh(hash []byte, secret string) bool {
	return crypto.CompareSecret(hash, secret)
}
