package storage

import (
	"context"
	"time"

	"github.com/dgellow/fin-auth/internal/log"
)

// CleanupManager purges expired refresh sessions and popup grants on an
// interval. Reads already ignore expired records; purging only bounds growth.
type CleanupManager struct {
	storage  Storage
	interval time.Duration

	// OnPurge, if set, is called after every pass that removed something.
	// It must be set before Start.
	OnPurge func(Purged)

	stop chan struct{}
	done chan struct{}
}

// NewCleanupManager creates a manager for storage. interval must be positive.
func NewCleanupManager(storage Storage, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		storage:  storage,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs a first purge and then one per interval until Stop is called or
// ctx ends.
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting expired record purge", map[string]any{
		"interval": cm.interval.String(),
	})
	go cm.run(ctx)
}

// Stop runs one last purge and waits for the loop to return.
func (cm *CleanupManager) Stop() {
	close(cm.stop)
	<-cm.done
	log.LogInfoWithFields("cleanup", "Expired record purge stopped", nil)
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.purge(ctx)
	for {
		select {
		case <-ticker.C:
			cm.purge(ctx)
		case <-cm.stop:
			cm.purge(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) purge(ctx context.Context) {
	purged, err := cm.storage.DeleteExpired(ctx, time.Now())
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to purge expired records", map[string]any{
			"error":            err.Error(),
			"refresh_sessions": purged.RefreshSessions,
			"popup_grants":     purged.PopupGrants,
		})
	}

	if purged.RefreshSessions > 0 {
		log.LogInfoWithFields("cleanup", "Purged expired refresh sessions", map[string]any{
			"count": purged.RefreshSessions,
		})
	}
	// Grants outlive their login by minutes; one left behind means a
	// command-line login that never redeemed it.
	if purged.PopupGrants > 0 {
		log.LogInfoWithFields("cleanup", "Purged unredeemed popup grants", map[string]any{
			"count": purged.PopupGrants,
		})
	}

	if purged.Total() > 0 && cm.OnPurge != nil {
		cm.OnPurge(purged)
	}
}
