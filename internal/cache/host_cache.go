package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HostSource lists the users currently hosting a started event
type HostSource interface {
	ListStartedHostIDs(ctx context.Context) ([]string, error)
}

// HostCache answers "is this user hosting right now" from a periodically
// refreshed snapshot. Answers may be stale by up to one refresh period.
type HostCache struct {
	cache *RefreshingCache[map[string]struct{}]
}

// NewHostCache creates a HostCache backed by source
func NewHostCache(source HostSource, timeout time.Duration) *HostCache {
	load := func(ctx context.Context) (map[string]struct{}, error) {
		ids, err := source.ListStartedHostIDs(ctx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		return set, nil
	}
	return &HostCache{cache: NewRefreshingCache("current_hosts", timeout, load)}
}

// IDs returns the current host ids
func (h *HostCache) IDs(ctx context.Context) (map[string]struct{}, error) {
	set, _, err := h.cache.Get(ctx)
	return set, err
}

// IsHost reports whether userID is hosting a started event. Load failures answer false.
func (h *HostCache) IsHost(ctx context.Context, userID string) bool {
	set, err := h.IDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load current hosts")
		return false
	}
	_, ok := set[userID]
	return ok
}

// Refresh reloads the host set; scheduled by the worker and API processes
func (h *HostCache) Refresh(ctx context.Context) error {
	return h.cache.Refresh(ctx)
}

// Invalidate triggers a background reload
func (h *HostCache) Invalidate() {
	h.cache.Invalidate()
}
