package services

import (
	"context"

	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// GameOrchestrator creates the games of an event at start time
type GameOrchestrator struct {
	users   UserDirectory
	games   GameStore
	socket  SocketGateway
	metrics *metrics.Metrics
}

// NewGameOrchestrator creates a new orchestrator
func NewGameOrchestrator(users UserDirectory, games GameStore, socket SocketGateway, m *metrics.Metrics) *GameOrchestrator {
	return &GameOrchestrator{users: users, games: games, socket: socket, metrics: m}
}

// CreateGames builds and stores one game per accepted applicant, in parallel.
// Games are returned in applicant order. Any failure fails the whole batch.
func (o *GameOrchestrator) CreateGames(ctx context.Context, event *models.Event, host *models.User) ([]*models.Game, error) {
	accepted := event.AcceptedApplicants()
	games := make([]*models.Game, len(accepted))

	g, gctx := errgroup.WithContext(ctx)
	for i, applicant := range accepted {
		g.Go(func() error {
			opponent, err := o.users.WithPerformanceProfile(gctx, applicant.UserID)
			if err != nil {
				return errors.Wrapf(err, "failed to resolve player %s", applicant.UserID)
			}

			game := buildGame(event, host, opponent, applicant, i, len(accepted))
			if err := o.games.Insert(gctx, game); err != nil {
				return errors.Wrapf(err, "failed to create game against %s", applicant.UserID)
			}
			games[i] = game
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return games, nil
}

func buildGame(event *models.Event, host, opponent *models.User, applicant models.Applicant, index, nbPairings int) *models.Game {
	perf := event.PerfType()
	hostColor := event.HostColorAt(index)
	hostLimit := event.Clock.HostLimitSeconds(nbPairings)

	game := &models.Game{
		ID:               uuid.New().String(),
		EventID:          event.ID,
		Variant:          applicant.Variant,
		IncrementSeconds: event.Clock.IncrementSeconds,
		Status:           models.GameStarted,
	}
	game.InitialFEN = applicant.Variant.InitialFEN(event.Position, game.ID)

	if hostColor == models.White {
		game.WhiteID, game.WhiteRating, game.WhiteLimitSeconds = host.ID, host.RatingFor(perf), hostLimit
		game.BlackID, game.BlackRating, game.BlackLimitSeconds = opponent.ID, opponent.RatingFor(perf), event.Clock.LimitSeconds
	} else {
		game.WhiteID, game.WhiteRating, game.WhiteLimitSeconds = opponent.ID, opponent.RatingFor(perf), event.Clock.LimitSeconds
		game.BlackID, game.BlackRating, game.BlackLimitSeconds = host.ID, host.RatingFor(perf), hostLimit
	}
	return game
}

// Announce tells connected clients that the games have begun
func (o *GameOrchestrator) Announce(ctx context.Context, event *models.Event, games []*models.Game) {
	for _, game := range games {
		if err := o.socket.GameStarted(ctx, event, game); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Str("game_id", game.ID).Msg("Failed to announce game start")
		}
	}
	o.metrics.IncrementCounterBy(metrics.GamesCreated, int64(len(games)))
}
