package services

import (
	"context"
	"sort"

	"example.com/backstage/simul/internal/cache"
	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Find returns an event, or nil when it does not exist
func (s *EventService) Find(ctx context.Context, eventID string) (*models.Event, error) {
	return s.repo.FindByID(ctx, eventID)
}

// IDToName returns the display name of an event
func (s *EventService) IDToName(ctx context.Context, eventID string) (string, bool, error) {
	key := cache.EventNameKey(eventID)

	var name string
	if err := s.cache.Get(ctx, key, &name); err == nil {
		return name, true, nil
	}

	event, err := s.repo.FindByID(ctx, eventID)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to load event name")
	}
	if event == nil {
		return "", false, nil
	}

	if err := s.cache.Set(ctx, key, event.Name, s.cfg.NameCacheTTL); err != nil && err != cache.ErrCacheDisabled {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to cache event name")
	}
	return event.Name, true, nil
}

// TeamOf returns the team an event belongs to, if any
func (s *EventService) TeamOf(ctx context.Context, eventID string) (string, error) {
	event, err := s.repo.FindByID(ctx, eventID)
	if err != nil || event == nil {
		return "", err
	}
	return event.TeamID, nil
}

// HostedByUser pages through the events a user hosted, newest first
func (s *EventService) HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error) {
	return s.repo.HostedByUser(ctx, userID, page, perPage)
}

// CountHostedByUser counts the events a user hosted to completion
func (s *EventService) CountHostedByUser(ctx context.Context, userID string) (int64, error) {
	key := cache.HostedCountKey(userID)

	var count int64
	if err := s.cache.Get(ctx, key, &count); err == nil {
		return count, nil
	}

	count, err := s.repo.CountByHost(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count hosted events")
	}
	if err := s.cache.Set(ctx, key, count, s.cfg.HostedCountTTL); err != nil && err != cache.ErrCacheDisabled {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to cache hosted count")
	}
	return count, nil
}

// CurrentHostIDs lists the users hosting a Started event. The answer may be
// stale by one cache refresh.
func (s *EventService) CurrentHostIDs(ctx context.Context) ([]string, error) {
	if s.hosts == nil {
		return nil, nil
	}
	set, err := s.hosts.IDs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// IsHost reports whether userID is hosting a Started event
func (s *EventService) IsHost(ctx context.Context, userID string) bool {
	return s.hosts != nil && s.hosts.IsHost(ctx, userID)
}

// SearchHistory finds finished events by name
func (s *EventService) SearchHistory(ctx context.Context, text string, size int) ([]map[string]interface{}, error) {
	if s.history == nil {
		return nil, nil
	}
	if size <= 0 || size > 50 {
		size = 20
	}
	return s.history.SearchByName(ctx, text, size)
}
