package repositories

import (
	"context"
	"time"

	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrUserNotFound is returned when a user id cannot be resolved
var ErrUserNotFound = errors.New("user not found")

// EventRepository provides access to event aggregates
type EventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

func withStatus(statuses ...models.EventStatus) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if len(statuses) == 1 {
			return tx.Where("status = ?", statuses[0])
		}
		return tx.Where("status IN ?", statuses)
	}
}

func hostedBy(userID string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("host_id = ?", userID)
	}
}

func paginate(page, perPage int) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}
		return tx.Offset((page - 1) * perPage).Limit(perPage)
	}
}

// Create persists a new event
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrapf(err, "failed to create event %s", event.ID)
	}
	return nil
}

// versionedUpdate rewrites the row only if it still holds the version that
// was read. host_seen_at is owned by UpdateHostSeenAt.
func versionedUpdate(tx *gorm.DB, next *models.Event, readVersion int64) *gorm.DB {
	return tx.Model(next).
		Where("version = ?", readVersion).
		Select("*").
		Omit("id", "created_at", "host_seen_at").
		Updates(next)
}

// Update overwrites a persisted event. It fails with models.ErrStaleEvent when
// the row was changed or removed since the event was read; on success the
// event carries the new version.
func (r *EventRepository) Update(ctx context.Context, event *models.Event) error {
	next := *event
	next.Version = event.Version + 1

	result := versionedUpdate(r.db.WithContext(ctx), &next, event.Version)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update event %s", event.ID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(models.ErrStaleEvent, "event %s at version %d", event.ID, event.Version)
	}
	event.Version = next.Version
	event.UpdatedAt = next.UpdatedAt
	return nil
}

func versionedDelete(tx *gorm.DB, event *models.Event) *gorm.DB {
	return tx.Where("id = ? AND version = ?", event.ID, event.Version).Delete(&models.Event{})
}

// Remove deletes an event, under the same version check as Update
func (r *EventRepository) Remove(ctx context.Context, event *models.Event) error {
	result := versionedDelete(r.db.WithContext(ctx), event)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to remove event %s", event.ID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(models.ErrStaleEvent, "event %s at version %d", event.ID, event.Version)
	}
	return nil
}

// FindByID returns the event, or nil when it does not exist. Reads go to the
// write database because every caller is about to mutate the result.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	return r.findOne(ctx, r.db, id)
}

// FindCreated returns the event only while it is Created
func (r *EventRepository) FindCreated(ctx context.Context, id string) (*models.Event, error) {
	return r.findOne(ctx, r.db.Scopes(withStatus(models.StatusCreated)), id)
}

// FindStarted returns the event only while it is Started
func (r *EventRepository) FindStarted(ctx context.Context, id string) (*models.Event, error) {
	return r.findOne(ctx, r.db.Scopes(withStatus(models.StatusStarted)), id)
}

func (r *EventRepository) findOne(ctx context.Context, tx *gorm.DB, id string) (*models.Event, error) {
	var event models.Event
	err := tx.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get event %s", id)
	}
	return &event, nil
}

// ListAllStarted returns every Started event, oldest start first
func (r *EventRepository) ListAllStarted(ctx context.Context) ([]*models.Event, error) {
	var events []*models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Scopes(withStatus(models.StatusStarted)).
		Order("started_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list started events")
	}
	return events, nil
}

// ListAllNotFinished returns every Created or Started event
func (r *EventRepository) ListAllNotFinished(ctx context.Context) ([]*models.Event, error) {
	var events []*models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Scopes(withStatus(models.StatusCreated, models.StatusStarted)).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unfinished events")
	}
	return events, nil
}

// ListStartedHostIDs returns the distinct hosts of Started events
func (r *EventRepository) ListStartedHostIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Scopes(withStatus(models.StatusStarted)).
		Distinct().
		Pluck("host_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list current hosts")
	}
	return ids, nil
}

// CountByHost counts the events a user has hosted to completion
func (r *EventRepository) CountByHost(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Scopes(hostedBy(userID), withStatus(models.StatusFinished)).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count hosted events")
	}
	return count, nil
}

// HostedByUser pages through a host's events, newest first
func (r *EventRepository) HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error) {
	var events []*models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Scopes(hostedBy(userID), paginate(page, perPage)).
		Order("created_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list hosted events")
	}
	return events, nil
}

// UpdateHostSeenAt records host liveness without rewriting the aggregate
func (r *EventRepository) UpdateHostSeenAt(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ?", id).
		Update("host_seen_at", at).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update host seen time of event %s", id)
	}
	return nil
}

// GameRepository provides access to game records
type GameRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewGameRepository creates a new repository
func NewGameRepository(db *gorm.DB, readOnlyDB *gorm.DB) *GameRepository {
	return &GameRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Insert persists a new game
func (r *GameRepository) Insert(ctx context.Context, game *models.Game) error {
	if err := r.db.WithContext(ctx).Create(game).Error; err != nil {
		return errors.Wrapf(err, "failed to insert game %s", game.ID)
	}
	return nil
}

// FetchMany returns the games that exist among ids; missing ids are omitted
func (r *GameRepository) FetchMany(ctx context.Context, ids []string) ([]*models.Game, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var games []*models.Game
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&games).Error; err != nil {
		return nil, errors.Wrap(err, "failed to fetch games")
	}
	return games, nil
}

// UserRepository provides access to user data
type UserRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewUserRepository creates a new repository
func NewUserRepository(db *gorm.DB, readOnlyDB *gorm.DB) *UserRepository {
	return &UserRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ByID gets a user's identity without ratings
func (r *UserRepository) ByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.readOnlyDB.WithContext(ctx).
		Select("id", "username", "title", "team_ids", "marked").
		Where("id = ?", id).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrUserNotFound, "user %s", id)
		}
		return nil, errors.Wrap(err, "failed to get user by ID")
	}
	return &user, nil
}

// WithPerformanceProfile gets a user with every rating category loaded
func (r *UserRepository) WithPerformanceProfile(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.readOnlyDB.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrUserNotFound, "user %s", id)
		}
		return nil, errors.Wrap(err, "failed to get user profile")
	}
	return &user, nil
}
