package services

import (
	"context"
	"strings"
	"testing"

	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orchestratorEvent(applicants ...models.Applicant) *models.Event {
	return &models.Event{
		ID:         "ev",
		HostID:     "host",
		Clock:      models.Clock{LimitSeconds: 600, IncrementSeconds: 5, HostExtraSeconds: 60, HostExtraPerPlayerSeconds: 15},
		Variants:   []models.Variant{models.VariantStandard, models.VariantChess960},
		Applicants: applicants,
		Status:     models.StatusCreated,
	}
}

func TestCreateGamesAssignsColorsAndClocks(t *testing.T) {
	users := newMemoryUsers("a1", "a2", "a3")
	users.put(&models.User{ID: "host", Perfs: map[models.PerfType]models.Perf{models.PerfRapid: {Rating: 2400}}})
	host, err := users.ByID(context.Background(), "host")
	require.NoError(t, err)
	games := newMemoryGames()
	o := NewGameOrchestrator(users, games, newRecordingSocket(), metrics.NewMetrics())

	event := orchestratorEvent(
		models.Applicant{UserID: "a1", Variant: models.VariantStandard, Accepted: true},
		models.Applicant{UserID: "skipped", Variant: models.VariantStandard},
		models.Applicant{UserID: "a2", Variant: models.VariantChess960, Accepted: true},
		models.Applicant{UserID: "a3", Variant: models.VariantStandard, Accepted: true},
	)

	created, err := o.CreateGames(context.Background(), event, host)
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, 3, games.count())

	hostLimit := 600 + 60 + 15*3
	for i, game := range created {
		assert.Equal(t, "ev", game.EventID)
		assert.Equal(t, models.GameStarted, game.Status)
		assert.Equal(t, 5, game.IncrementSeconds)
		if i%2 == 0 {
			assert.Equal(t, "host", game.WhiteID)
			assert.Equal(t, hostLimit, game.WhiteLimitSeconds)
			assert.Equal(t, 600, game.BlackLimitSeconds)
			assert.Equal(t, 2400, game.WhiteRating)
		} else {
			assert.Equal(t, "host", game.BlackID)
			assert.Equal(t, hostLimit, game.BlackLimitSeconds)
			assert.Equal(t, 600, game.WhiteLimitSeconds)
		}
	}
	assert.Equal(t, "a1", created[0].BlackID)
	assert.Equal(t, "a2", created[1].WhiteID)
	assert.Equal(t, "a3", created[2].BlackID)

	assert.Equal(t, models.StandardFEN, created[0].InitialFEN)
	assert.Equal(t, models.VariantChess960, created[1].Variant)
	assert.True(t, strings.HasSuffix(created[1].InitialFEN, " w KQkq - 0 1"))
	assert.Equal(t, created[1].InitialFEN, models.VariantChess960.InitialFEN("", created[1].ID))
}

func TestCreateGamesWithFixedColor(t *testing.T) {
	users := newMemoryUsers("host", "a1", "a2")
	host, _ := users.ByID(context.Background(), "host")
	o := NewGameOrchestrator(users, newMemoryGames(), newRecordingSocket(), metrics.NewMetrics())

	event := orchestratorEvent(
		models.Applicant{UserID: "a1", Variant: models.VariantStandard, Accepted: true},
		models.Applicant{UserID: "a2", Variant: models.VariantStandard, Accepted: true},
	)
	event.Color = models.White
	event.Position = "8/8/8/4k3/8/8/8/4K2R w K - 0 1"

	created, err := o.CreateGames(context.Background(), event, host)
	require.NoError(t, err)
	for _, game := range created {
		assert.Equal(t, "host", game.WhiteID)
		assert.Equal(t, event.Position, game.InitialFEN)
	}
}

func TestCreateGamesFailsWhenOpponentIsMissing(t *testing.T) {
	users := newMemoryUsers("host", "a1", "a2")
	users.missing["a2"] = true
	host, _ := users.ByID(context.Background(), "host")
	o := NewGameOrchestrator(users, newMemoryGames(), newRecordingSocket(), metrics.NewMetrics())

	event := orchestratorEvent(
		models.Applicant{UserID: "a1", Variant: models.VariantStandard, Accepted: true},
		models.Applicant{UserID: "a2", Variant: models.VariantStandard, Accepted: true},
	)

	created, err := o.CreateGames(context.Background(), event, host)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a2")
	assert.Nil(t, created)
}

func TestAnnounce(t *testing.T) {
	socket := newRecordingSocket()
	m := metrics.NewMetrics()
	o := NewGameOrchestrator(newMemoryUsers(), newMemoryGames(), socket, m)

	games := []*models.Game{{ID: "g1"}, {ID: "g2"}}
	o.Announce(context.Background(), orchestratorEvent(), games)

	assert.Equal(t, []string{"g1", "g2"}, socket.startedGames())
	assert.Equal(t, int64(2), m.GetCounter(metrics.GamesCreated))
}
