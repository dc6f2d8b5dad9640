package storage

import (
	"context"
	"sync"
	"time"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in maps guarded by RWMutexes.
type MemoryStorage struct {
	usersMu    sync.RWMutex
	users      map[string]*User // by ID
	byEmail    map[string]string
	byIdentity map[string]string // "provider:subject" -> user ID

	sessionsMu sync.RWMutex
	sessions   map[string]*RefreshSession

	grantsMu sync.Mutex
	grants   map[string]*PopupGrant

	now func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:      make(map[string]*User),
		byEmail:    make(map[string]string),
		byIdentity: make(map[string]string),
		sessions:   make(map[string]*RefreshSession),
		grants:     make(map[string]*PopupGrant),
		now:        time.Now,
	}
}

func identityKey(provider, subject string) string {
	return provider + ":" + subject
}

func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.usersMu.RLock()
	id, ok := s.byEmail[email]
	s.usersMu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *MemoryStorage) GetUserByIdentity(ctx context.Context, provider, subject string) (*User, error) {
	s.usersMu.RLock()
	id, ok := s.byIdentity[identityKey(provider, subject)]
	s.usersMu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *MemoryStorage) SaveUser(_ context.Context, u *User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if owner, ok := s.byEmail[u.Email]; ok && owner != u.ID {
		return ErrEmailTaken
	}

	if prev, ok := s.users[u.ID]; ok {
		delete(s.byEmail, prev.Email)
		for provider, subject := range prev.Identities {
			delete(s.byIdentity, identityKey(provider, subject))
		}
	}

	stored := u.Clone()
	s.users[u.ID] = stored
	s.byEmail[u.Email] = u.ID
	for provider, subject := range stored.Identities {
		s.byIdentity[identityKey(provider, subject)] = u.ID
	}
	return nil
}

func (s *MemoryStorage) CreateRefreshSession(_ context.Context, rs *RefreshSession) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	c := *rs
	s.sessions[rs.ID] = &c
	return nil
}

func (s *MemoryStorage) GetRefreshSession(_ context.Context, id string) (*RefreshSession, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	rs, ok := s.sessions[id]
	if !ok || !rs.ExpiresAt.After(s.now()) {
		return nil, ErrSessionNotFound
	}
	c := *rs
	return &c, nil
}

func (s *MemoryStorage) DeleteRefreshSession(_ context.Context, id string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStorage) DeleteUserRefreshSessions(_ context.Context, userID string) (int, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	count := 0
	for id, rs := range s.sessions {
		if rs.UserID == userID {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) PutPopupGrant(_ context.Context, g *PopupGrant) error {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	c := *g
	s.grants[g.WindowID] = &c
	return nil
}

func (s *MemoryStorage) GetPopupGrant(_ context.Context, windowID string) (*PopupGrant, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[windowID]
	if !ok || g.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	c := *g
	return &c, nil
}

func (s *MemoryStorage) ConsumePopupGrant(_ context.Context, windowID string) (*PopupGrant, error) {
	s.grantsMu.Lock()
	defer s.grantsMu.Unlock()

	g, ok := s.grants[windowID]
	if !ok {
		return nil, ErrGrantNotFound
	}
	delete(s.grants, windowID)
	if g.Expired(s.now()) {
		return nil, ErrGrantNotFound
	}
	return g, nil
}

func (s *MemoryStorage) DeleteExpired(_ context.Context, now time.Time) (Purged, error) {
	var p Purged

	s.sessionsMu.Lock()
	for id, rs := range s.sessions {
		if !rs.ExpiresAt.After(now) {
			delete(s.sessions, id)
			p.RefreshSessions++
		}
	}
	s.sessionsMu.Unlock()

	s.grantsMu.Lock()
	for id, g := range s.grants {
		if g.Expired(now) {
			delete(s.grants, id)
			p.PopupGrants++
		}
	}
	s.grantsMu.Unlock()

	return p, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
