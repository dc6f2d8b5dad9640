package storage

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound is returned when a refresh session doesn't exist or has expired
	ErrSessionNotFound = errors.New("refresh session not found")

	// ErrGrantNotFound is returned when a popup grant doesn't exist or has expired
	ErrGrantNotFound = errors.New("popup grant not found")

	// ErrEmailTaken is returned when saving a user whose email belongs to another user
	ErrEmailTaken = errors.New("email already belongs to another user")
)

// User is an account that signed in through an identity provider.
type User struct {
	ID            string            `json:"id" firestore:"id"`
	Email         string            `json:"email" firestore:"email"`
	Name          string            `json:"name" firestore:"name"`
	Picture       string            `json:"picture,omitempty" firestore:"picture"`
	Provider      string            `json:"provider" firestore:"provider"`
	Identities    map[string]string `json:"identities" firestore:"identities"` // provider -> subject
	EmailVerified bool              `json:"email_verified" firestore:"email_verified"`
	Active        bool              `json:"active" firestore:"active"`
	CreatedAt     time.Time         `json:"created_at" firestore:"created_at"`
	LastLogin     time.Time         `json:"last_login" firestore:"last_login"`
}

// Clone returns a deep copy so callers never share map state with a store.
func (u *User) Clone() *User {
	c := *u
	c.Identities = maps.Clone(u.Identities)
	return &c
}

// RefreshSession backs one refresh token. The token is "<ID>.<secret>"; only a
// bcrypt hash of the secret is stored.
type RefreshSession struct {
	ID         string    `firestore:"id"`
	UserID     string    `firestore:"user_id"`
	SecretHash []byte    `firestore:"secret_hash"`
	CreatedAt  time.Time `firestore:"created_at"`
	ExpiresAt  time.Time `firestore:"expires_at"`
}

// PopupGrant records the outcome of a login started from a command-line
// opener. It is looked up by window ID and redeemed once with the PKCE
// verifier matching Challenge and the handoff code matching CodeHash.
// Failed logins have Error set and no CodeHash.
type PopupGrant struct {
	WindowID  string    `firestore:"window_id"`
	UserID    string    `firestore:"user_id"`
	Challenge string    `firestore:"challenge"`
	CodeHash  string    `firestore:"code_hash"`
	Error     string    `firestore:"error"`
	CreatedAt time.Time `firestore:"created_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// Expired reports whether the grant is past its expiry at now.
func (g *PopupGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// Purged counts the records one DeleteExpired call removed.
type Purged struct {
	RefreshSessions int
	PopupGrants     int
}

// Total is the number of records removed.
func (p Purged) Total() int {
	return p.RefreshSessions + p.PopupGrants
}

// UserStore persists users and their linked provider identities.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error)
	// SaveUser creates or replaces the user with u.ID.
	SaveUser(ctx context.Context, u *User) error
}

// SessionStore persists refresh sessions.
type SessionStore interface {
	CreateRefreshSession(ctx context.Context, s *RefreshSession) error
	// GetRefreshSession returns ErrSessionNotFound for expired sessions.
	GetRefreshSession(ctx context.Context, id string) (*RefreshSession, error)
	DeleteRefreshSession(ctx context.Context, id string) error
	DeleteUserRefreshSessions(ctx context.Context, userID string) (int, error)
}

// GrantStore persists popup grants.
type GrantStore interface {
	PutPopupGrant(ctx context.Context, g *PopupGrant) error
	// GetPopupGrant returns ErrGrantNotFound for expired grants.
	GetPopupGrant(ctx context.Context, windowID string) (*PopupGrant, error)
	// ConsumePopupGrant atomically returns and deletes the grant. Exactly one
	// caller can consume a given grant.
	ConsumePopupGrant(ctx context.Context, windowID string) (*PopupGrant, error)
}

// Storage combines everything the auth backend persists.
type Storage interface {
	UserStore
	SessionStore
	GrantStore

	// DeleteExpired removes refresh sessions and popup grants that expired
	// before now. The counts cover whatever was removed before an error.
	DeleteExpired(ctx context.Context, now time.Time) (Purged, error)

	Close() error
}
