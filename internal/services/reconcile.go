package services

import (
	"context"
	"time"

	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// sampled reports whether a Started event is due for a drift check at now.
// Only events older than minAge qualify. Time is counted in sweep intervals,
// so consecutive sweeps pick consecutive residues and every event is checked
// once per factor sweeps.
func sampled(event *models.Event, now time.Time, minAge, interval time.Duration, factor int) bool {
	if event.StartedAt == nil || now.Sub(*event.StartedAt) < minAge {
		return false
	}
	if factor <= 1 {
		return true
	}
	step := int64(interval / time.Second)
	if step < 1 {
		step = 1
	}
	f := int64(factor)
	return event.StartedAt.Unix()%f == (now.Unix()/step)%f
}

// Reconcile sweeps the Started events for lost game completions
func (s *EventService) Reconcile(ctx context.Context) error {
	events, err := s.repo.ListAllStarted(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list started events")
	}
	return s.ReconcileEvents(ctx, events)
}

// ReconcileEvents checks a sample of candidates against the game store. A
// pairing whose game is gone ends as unknownFinish; a pairing whose game has
// already ended gets that result.
func (s *EventService) ReconcileEvents(ctx context.Context, candidates []*models.Event) (err error) {
	started := time.Now()
	txn := s.trace("simul-reconcile", "")
	defer func() {
		s.metrics.Observe(metrics.OpReconcile, started, err)
		s.endTrace(txn, err)
	}()

	now := s.now()
	for _, event := range candidates {
		if !event.IsStarted() || !sampled(event, now, s.cfg.ReconcileMinAge, s.cfg.ReconcileInterval, s.cfg.ReconcileSamplingFactor) {
			continue
		}
		s.metrics.IncrementCounter(metrics.ReconcileSampled)

		if err := s.reconcileEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to reconcile event")
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *EventService) reconcileEvent(ctx context.Context, event *models.Event) error {
	ongoing := event.OngoingPairings()
	if len(ongoing) == 0 {
		return nil
	}

	ids := make([]string, len(ongoing))
	for i, p := range ongoing {
		ids[i] = p.GameID
	}
	games, err := s.games.FetchMany(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "failed to fetch games")
	}
	byID := make(map[string]*models.Game, len(games))
	for _, g := range games {
		byID[g.ID] = g
	}

	for _, p := range ongoing {
		game, ok := byID[p.GameID]
		switch {
		case !ok:
			log.Warn().Str("event_id", event.ID).Str("game_id", p.GameID).Msg("Game of ongoing pairing is missing")
			err = s.FinishGame(ctx, event.ID, p.GameID, models.GameUnknownFinish, "")
		case game.IsFinished():
			log.Info().Str("event_id", event.ID).Str("game_id", game.ID).Msg("Recovering lost game result")
			err = s.FinishGame(ctx, event.ID, game.ID, game.Status, game.WinnerID)
		default:
			continue
		}
		if err != nil {
			return err
		}
		s.metrics.IncrementCounter(metrics.ReconcileRepaired)
	}
	return nil
}
