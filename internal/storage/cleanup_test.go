package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupManager_RemovesExpired(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.PutPopupGrant(ctx, &PopupGrant{
		WindowID:  "stale",
		Challenge: "c",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.PutPopupGrant(ctx, &PopupGrant{
		WindowID:  "fresh",
		Challenge: "c",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	purges := make(chan Purged, 4)
	cm := NewCleanupManager(s, 10*time.Millisecond)
	cm.OnPurge = func(p Purged) { purges <- p }
	cm.Start(ctx)

	assert.Eventually(t, func() bool {
		s.grantsMu.Lock()
		defer s.grantsMu.Unlock()
		_, ok := s.grants["stale"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	cm.Stop()

	_, err := s.GetPopupGrant(ctx, "fresh")
	assert.NoError(t, err)

	require.Len(t, purges, 1, "only passes that removed something are reported")
	assert.Equal(t, Purged{PopupGrants: 1}, <-purges)
}

func TestCleanupManager_StopRunsFinalPurge(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	purges := make(chan Purged, 4)
	cm := NewCleanupManager(s, time.Hour)
	cm.OnPurge = func(p Purged) { purges <- p }
	cm.Start(ctx)

	// Expired after the first pass but before Stop.
	require.NoError(t, s.CreateRefreshSession(ctx, &RefreshSession{
		ID:        "r1",
		UserID:    "u1",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	cm.Stop()

	select {
	case p := <-purges:
		assert.Equal(t, Purged{RefreshSessions: 1}, p)
	default:
		t.Fatal("final purge did not run")
	}
}

func TestCleanupManager_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cm := NewCleanupManager(NewMemoryStorage(), time.Hour)
	cm.Start(ctx)
	cancel()

	select {
	case <-cm.done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
