package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/cache"
	"example.com/backstage/simul/internal/messaging"
	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/models"

	"github.com/pkg/errors"
)

// memoryEvents is an in-memory EventRepository. Stored events are cloned on
// the way in and out, like rows in a database.
type memoryEvents struct {
	mu        sync.Mutex
	events    map[string]*models.Event
	readDelay atomic.Int64
	updates   int
	pausedID  string
	afterRead func()
}

func newMemoryEvents(events ...*models.Event) *memoryEvents {
	r := &memoryEvents{events: make(map[string]*models.Event)}
	for _, e := range events {
		r.events[e.ID] = e.Clone()
	}
	return r
}

func (r *memoryEvents) Create(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.ID] = event.Clone()
	return nil
}

// Update and Remove apply the same version check as the gorm repository
func (r *memoryEvents) Update(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.events[event.ID]
	if !ok || stored.Version != event.Version {
		return errors.Wrapf(models.ErrStaleEvent, "event %s", event.ID)
	}
	r.updates++
	next := event.Clone()
	next.Version++
	next.HostSeenAt = stored.HostSeenAt
	r.events[event.ID] = next
	event.Version = next.Version
	return nil
}

func (r *memoryEvents) Remove(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.events[event.ID]
	if !ok || stored.Version != event.Version {
		return errors.Wrapf(models.ErrStaleEvent, "event %s", event.ID)
	}
	delete(r.events, event.ID)
	return nil
}

// pauseAfterNextRead runs hook once, right after the next read of id
func (r *memoryEvents) pauseAfterNextRead(id string, hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pausedID = id
	r.afterRead = hook
}

func (r *memoryEvents) get(id string) *models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		return e.Clone()
	}
	return nil
}

// find honours ctx like a database driver would, so abandoned tasks fail
func (r *memoryEvents) find(ctx context.Context, id string, status ...models.EventStatus) (*models.Event, error) {
	if delay := time.Duration(r.readDelay.Load()); delay > 0 {
		time.Sleep(delay)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	e := r.get(id)
	r.mu.Lock()
	var hook func()
	if r.afterRead != nil && r.pausedID == id {
		hook, r.afterRead = r.afterRead, nil
	}
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if e == nil {
		return nil, nil
	}
	if len(status) > 0 && e.Status != status[0] {
		return nil, nil
	}
	return e, nil
}

func (r *memoryEvents) setReadDelay(d time.Duration) {
	r.readDelay.Store(int64(d))
}

func (r *memoryEvents) FindByID(ctx context.Context, id string) (*models.Event, error) {
	return r.find(ctx, id)
}

func (r *memoryEvents) FindCreated(ctx context.Context, id string) (*models.Event, error) {
	return r.find(ctx, id, models.StatusCreated)
}

func (r *memoryEvents) FindStarted(ctx context.Context, id string) (*models.Event, error) {
	return r.find(ctx, id, models.StatusStarted)
}

func (r *memoryEvents) list(keep func(*models.Event) bool) []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Event
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryEvents) ListAllStarted(ctx context.Context) ([]*models.Event, error) {
	return r.list(func(e *models.Event) bool { return e.IsStarted() }), nil
}

func (r *memoryEvents) ListAllNotFinished(ctx context.Context) ([]*models.Event, error) {
	return r.list(func(e *models.Event) bool { return e.IsCreated() || e.IsStarted() }), nil
}

func (r *memoryEvents) ListStartedHostIDs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var ids []string
	for _, e := range r.list(func(e *models.Event) bool { return e.IsStarted() }) {
		if _, ok := seen[e.HostID]; !ok {
			seen[e.HostID] = struct{}{}
			ids = append(ids, e.HostID)
		}
	}
	return ids, nil
}

func (r *memoryEvents) CountByHost(ctx context.Context, userID string) (int64, error) {
	return int64(len(r.list(func(e *models.Event) bool { return e.HostID == userID && e.IsFinished() }))), nil
}

func (r *memoryEvents) HostedByUser(ctx context.Context, userID string, page, perPage int) ([]*models.Event, error) {
	all := r.list(func(e *models.Event) bool { return e.HostID == userID })
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (r *memoryEvents) UpdateHostSeenAt(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.HostSeenAt = &at
	}
	return nil
}

type memoryGames struct {
	mu      sync.Mutex
	games   map[string]*models.Game
	failFor string
}

func newMemoryGames() *memoryGames {
	return &memoryGames{games: make(map[string]*models.Game)}
}

func (g *memoryGames) Insert(ctx context.Context, game *models.Game) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor != "" && (game.WhiteID == g.failFor || game.BlackID == g.failFor) {
		return errors.New("game store unavailable")
	}
	copied := *game
	g.games[game.ID] = &copied
	return nil
}

func (g *memoryGames) FetchMany(ctx context.Context, ids []string) ([]*models.Game, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*models.Game
	for _, id := range ids {
		if game, ok := g.games[id]; ok {
			copied := *game
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (g *memoryGames) finish(id string, status models.GameStatus, winnerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.games[id].Status = status
	g.games[id].WinnerID = winnerID
}

func (g *memoryGames) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.games, id)
}

func (g *memoryGames) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.games)
}

type memoryUsers struct {
	mu      sync.Mutex
	users   map[string]*models.User
	missing map[string]bool
}

func newMemoryUsers(ids ...string) *memoryUsers {
	u := &memoryUsers{users: make(map[string]*models.User), missing: make(map[string]bool)}
	for _, id := range ids {
		u.users[id] = &models.User{ID: id, Username: id}
	}
	return u
}

func (u *memoryUsers) put(user *models.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user.ID] = user
}

func (u *memoryUsers) ByID(ctx context.Context, id string) (*models.User, error) {
	return u.WithPerformanceProfile(ctx, id)
}

func (u *memoryUsers) WithPerformanceProfile(ctx context.Context, id string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok || u.missing[id] {
		return nil, errors.Errorf("user %s not found", id)
	}
	copied := *user
	return &copied, nil
}

type notification struct {
	userID string
	kind   string
}

type recordingSocket struct {
	mu            sync.Mutex
	hostChanges   int
	reloads       map[string]int
	hostGames     map[string]string
	started       []string
	notifications []notification
	online        map[string]bool
}

func newRecordingSocket() *recordingSocket {
	return &recordingSocket{reloads: map[string]int{}, hostGames: map[string]string{}}
}

func (s *recordingSocket) Reload(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads[eventID]++
	return nil
}

func (s *recordingSocket) HostIsOnline(ctx context.Context, eventID, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostGames[eventID] = gameID
	return nil
}

func (s *recordingSocket) GameStarted(ctx context.Context, event *models.Event, game *models.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, game.ID)
	return nil
}

func (s *recordingSocket) FilterOnline(ctx context.Context, eventID string, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		return userIDs, nil
	}
	var out []string
	for _, id := range userIDs {
		if s.online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *recordingSocket) NotifyUser(ctx context.Context, userID, kind string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification{userID: userID, kind: kind})
	return nil
}

func (s *recordingSocket) HostsChanged(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostChanges++
	return nil
}

func (s *recordingSocket) notificationsOf(kind string) []notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification
	for _, n := range s.notifications {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (s *recordingSocket) startedGames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []messaging.DomainEvent
}

func (b *recordingBus) Publish(ctx context.Context, event messaging.DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type countingBroadcaster struct {
	mu    sync.Mutex
	pings int
}

func (b *countingBroadcaster) Ping() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
}

type fixture struct {
	svc     *EventService
	events  *memoryEvents
	games   *memoryGames
	users   *memoryUsers
	socket  *recordingSocket
	bus     *recordingBus
	pinger  *countingBroadcaster
	metrics *metrics.Metrics
}

func testConfig() config.SimulConfig {
	return config.SimulConfig{
		MaxAccepted:             3,
		QueueSize:               256,
		TaskTimeout:             2 * time.Second,
		KeyExpiration:           time.Minute,
		ReconcileInterval:       time.Minute,
		ReconcileMinAge:         time.Minute,
		ReconcileSamplingFactor: 1,
	}
}

func newFixture(cfg config.SimulConfig, userIDs ...string) *fixture {
	f := &fixture{
		events:  newMemoryEvents(),
		games:   newMemoryGames(),
		users:   newMemoryUsers(userIDs...),
		socket:  newRecordingSocket(),
		bus:     &recordingBus{},
		pinger:  &countingBroadcaster{},
		metrics: metrics.NewMetrics(),
	}
	f.svc = NewEventService(Dependencies{
		Events:      f.events,
		Games:       f.games,
		Users:       f.users,
		Socket:      f.socket,
		Bus:         f.bus,
		Hosts:       cache.NewHostCache(f.events, time.Second),
		Cache:       cache.Disabled(),
		Broadcaster: f.pinger,
		Metrics:     f.metrics,
	}, cfg)
	return f
}

func standardSetup() models.Setup {
	return models.Setup{
		Name:     "Sunday simul",
		Clock:    models.Clock{LimitSeconds: 900, IncrementSeconds: 10, HostExtraSeconds: 120, HostExtraPerPlayerSeconds: 10},
		Variants: []models.Variant{models.VariantStandard, models.VariantChess960},
	}
}

// otherProcess builds a second service over the same stores with its own
// sequencer, the way the worker runs next to the api
func (f *fixture) otherProcess() *EventService {
	return NewEventService(Dependencies{
		Events:      f.events,
		Games:       f.games,
		Users:       f.users,
		Socket:      f.socket,
		Bus:         f.bus,
		Hosts:       cache.NewHostCache(f.events, time.Second),
		Cache:       cache.Disabled(),
		Broadcaster: f.pinger,
		Metrics:     f.metrics,
	}, f.svc.cfg)
}
