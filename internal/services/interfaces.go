package services

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/simul/internal/messaging"
	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
)

var (
	// ErrEventFull is returned when the accepted-applicant ceiling is reached
	ErrEventFull = errors.New("event has reached its maximum number of players")
	// ErrVariantNotOffered is returned when joining with a variant the event does not offer
	ErrVariantNotOffered = errors.New("variant is not offered by this event")
	// ErrInvalidSetup is returned when host-supplied parameters fail validation
	ErrInvalidSetup = errors.New("invalid event setup")
)

// IneligibleError reports a ConditionVerifier rejection
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("not eligible to join: %s", e.Reason)
}

// EventRepository persists event aggregates. Lookups return (nil, nil) when
// the event does not exist or is not in the requested state.
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	Update(ctx context.Context, event *models.Event) error
	Remove(ctx context.Context, event *models.Event) error
	FindByID(ctx context.Context, id string) (*models.Event, error)
	FindCreated(ctx context.Context, id string) (*models.Event, error)
	FindStarted(ctx context.Context, id string) (*models.Event, error)
	ListAllStarted(ctx context.Context) ([]*models.Event, error)
	ListAllNotFinished(ctx context.Context) ([]*models.Event, error)
	CountByHost(ctx context.Context, userID string) (int64, error)
	HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error)
	UpdateHostSeenAt(ctx context.Context, id string, at time.Time) error
}

// GameStore owns game records
type GameStore interface {
	Insert(ctx context.Context, game *models.Game) error
	FetchMany(ctx context.Context, ids []string) ([]*models.Game, error)
}

// UserDirectory resolves users. A missing user is an error.
type UserDirectory interface {
	ByID(ctx context.Context, id string) (*models.User, error)
	WithPerformanceProfile(ctx context.Context, id string) (*models.User, error)
}

// Verdict is the outcome of an eligibility check
type Verdict struct {
	Accepted bool
	Reason   string
}

// ConditionVerifier decides whether a user may join an event
type ConditionVerifier interface {
	Verify(ctx context.Context, event *models.Event, user *models.User, perf models.PerfType) Verdict
}

// SocketGateway sends fire-and-forget notifications to connected clients
type SocketGateway interface {
	Reload(ctx context.Context, eventID string) error
	HostIsOnline(ctx context.Context, eventID, gameID string) error
	GameStarted(ctx context.Context, event *models.Event, game *models.Game) error
	FilterOnline(ctx context.Context, eventID string, userIDs []string) ([]string, error)
	NotifyUser(ctx context.Context, userID, kind string, data interface{}) error
	// HostsChanged tells every process that the set of current hosts moved
	HostsChanged(ctx context.Context) error
}

// DomainEventBus publishes notifications for other subsystems
type DomainEventBus interface {
	Publish(ctx context.Context, event messaging.DomainEvent) error
}

// HistoryIndex stores finished events for search
type HistoryIndex interface {
	IndexEvent(ctx context.Context, event *models.Event) error
	SearchByName(ctx context.Context, text string, size int) ([]map[string]interface{}, error)
}

// Broadcaster is pinged whenever the public event list changes
type Broadcaster interface {
	Ping()
}
