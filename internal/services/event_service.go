package services

import (
	"context"
	"time"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/cache"
	"example.com/backstage/simul/internal/messaging"
	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/models"
	"example.com/backstage/simul/internal/sequencer"
	"example.com/backstage/simul/internal/tracing"

	"github.com/go-playground/validator/v10"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Dependencies are the collaborators of an EventService
type Dependencies struct {
	Events      EventRepository
	Games       GameStore
	Users       UserDirectory
	Verifier    ConditionVerifier
	Socket      SocketGateway
	Bus         DomainEventBus
	History     HistoryIndex
	Hosts       *cache.HostCache
	Cache       *cache.RedisCache
	Broadcaster Broadcaster
	Sequencer   *sequencer.Sequencer
	Metrics     *metrics.Metrics
	Tracer      tracing.Tracer
}

// EventService runs the lifecycle of simul events. Every mutation of an
// event is serialized on the event id; different events proceed in parallel.
type EventService struct {
	repo         EventRepository
	users        UserDirectory
	games        GameStore
	verifier     ConditionVerifier
	socket       SocketGateway
	bus          DomainEventBus
	history      HistoryIndex
	orchestrator *GameOrchestrator
	hosts        *cache.HostCache
	cache        *cache.RedisCache
	broadcaster  Broadcaster
	seq          *sequencer.Sequencer
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
	validate     *validator.Validate
	cfg          config.SimulConfig
	now          func() time.Time
}

// NewEventService creates a new event service
func NewEventService(deps Dependencies, cfg config.SimulConfig) *EventService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}
	if deps.Cache == nil {
		deps.Cache = cache.Disabled()
	}
	if deps.Bus == nil {
		deps.Bus = messaging.NopPublisher{}
	}
	if deps.Verifier == nil {
		deps.Verifier = NewRatingConditions()
	}
	if deps.Sequencer == nil {
		deps.Sequencer = sequencer.New(sequencer.Config{
			Name:       "simul",
			QueueSize:  cfg.QueueSize,
			Timeout:    cfg.TaskTimeout,
			Expiration: cfg.KeyExpiration,
		}, deps.Metrics)
	}
	if cfg.MaxAccepted <= 0 {
		cfg.MaxAccepted = 100
	}

	return &EventService{
		repo:         deps.Events,
		users:        deps.Users,
		games:        deps.Games,
		verifier:     deps.Verifier,
		socket:       deps.Socket,
		bus:          deps.Bus,
		history:      deps.History,
		orchestrator: NewGameOrchestrator(deps.Users, deps.Games, deps.Socket, deps.Metrics),
		hosts:        deps.Hosts,
		cache:        deps.Cache,
		broadcaster:  deps.Broadcaster,
		seq:          deps.Sequencer,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		validate:     validator.New(),
		cfg:          cfg,
		now:          time.Now,
	}
}

// maxWriteAttempts bounds the re-reads of an event another process keeps changing
const maxWriteAttempts = 3

// serialize runs fn under the event's key. The key only orders callers in
// this process, so a read-modify-write that loses a version race with another
// process is rerun against the fresh row.
func serialize[T any](ctx context.Context, s *EventService, eventID string, fn func(ctx context.Context) (T, error)) (T, error) {
	return sequencer.Call(ctx, s.seq, eventID, func(ctx context.Context) (T, error) {
		var (
			v   T
			err error
		)
		for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
			v, err = fn(ctx)
			if !errors.Is(err, models.ErrStaleEvent) {
				return v, err
			}
			s.metrics.IncrementCounter(metrics.StaleWrites)
			log.Debug().Str("event_id", eventID).Int("attempt", attempt).Msg("Event changed concurrently, retrying")
		}
		return v, err
	})
}

// mutateCreated is the read-modify-write helper for Created events. A missing
// event, or one that already left Created, is a silent no-op. transform
// returns nil to skip persisting.
func (s *EventService) mutateCreated(ctx context.Context, eventID string, transform func(context.Context, *models.Event) (*models.Event, error)) (*models.Event, error) {
	return serialize(ctx, s, eventID, func(ctx context.Context) (*models.Event, error) {
		event, err := s.repo.FindCreated(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			log.Debug().Str("event_id", eventID).Msg("Event not found in created state, skipping")
			return nil, nil
		}

		next, err := transform(ctx, event)
		if err != nil || next == nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, err
		}
		s.reload(ctx, eventID)
		return next, nil
	})
}

func (s *EventService) trace(name, eventID string) *newrelic.Transaction {
	txn := s.tracer.StartTransaction(name)
	if eventID != "" {
		s.tracer.AddAttribute(txn, "event_id", eventID)
	}
	return txn
}

func (s *EventService) endTrace(txn *newrelic.Transaction, err error) {
	if err != nil {
		s.tracer.RecordError(txn, err)
	}
	s.tracer.EndTransaction(txn)
}

func (s *EventService) reload(ctx context.Context, eventID string) {
	if err := s.socket.Reload(ctx, eventID); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to notify event room")
	}
}

func (s *EventService) publish(ctx context.Context, eventType string, event *models.Event, userID string) {
	err := s.bus.Publish(ctx, messaging.DomainEvent{
		EventType: eventType,
		EventID:   event.ID,
		HostID:    event.HostID,
		UserID:    userID,
		Name:      event.Name,
		At:        s.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Str("event_type", eventType).Msg("Failed to publish domain event")
	}
}

// invalidateHosts reloads this process's host set and tells the other
// processes to reload theirs
func (s *EventService) invalidateHosts(ctx context.Context) {
	if s.hosts != nil {
		s.hosts.Invalidate()
	}
	if err := s.socket.HostsChanged(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to announce host set change")
	}
}

func (s *EventService) listChanged() {
	if s.broadcaster != nil {
		s.broadcaster.Ping()
	}
}

func (s *EventService) validateSetup(setup models.Setup) error {
	if err := s.validate.Struct(setup); err != nil {
		return errors.Wrap(ErrInvalidSetup, err.Error())
	}
	for _, v := range setup.Variants {
		if !v.IsValid() {
			return errors.Wrapf(ErrInvalidSetup, "unknown variant %q", v)
		}
	}
	return nil
}

// Create opens a new event hosted by hostID
func (s *EventService) Create(ctx context.Context, setup models.Setup, hostID string) (event *models.Event, err error) {
	txn := s.trace("simul-create", "")
	defer func() { s.endTrace(txn, err) }()

	if err := s.validateSetup(setup); err != nil {
		return nil, err
	}

	host, err := s.users.WithPerformanceProfile(ctx, hostID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load host")
	}

	created := models.NewEvent(setup, host, s.now())
	s.tracer.AddAttribute(txn, "event_id", created.ID)

	event, err = serialize(ctx, s, created.ID, func(ctx context.Context) (*models.Event, error) {
		if err := s.repo.Create(ctx, created); err != nil {
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event")
	}

	s.listChanged()
	s.publish(ctx, messaging.SimulCreated, event, hostID)
	s.metrics.IncrementCounter(metrics.EventsCreated)

	log.Info().Str("event_id", event.ID).Str("host_id", hostID).Str("name", event.Name).Msg("Event created")
	return event, nil
}

// Update replaces the setup of a Created event. Applicants whose variant is no
// longer offered are dropped.
func (s *EventService) Update(ctx context.Context, eventID string, setup models.Setup) (event *models.Event, err error) {
	txn := s.trace("simul-update", eventID)
	defer func() { s.endTrace(txn, err) }()

	if err := s.validateSetup(setup); err != nil {
		return nil, err
	}

	event, err = s.mutateCreated(ctx, eventID, func(ctx context.Context, e *models.Event) (*models.Event, error) {
		return models.WithSetup(e, setup), nil
	})
	if err != nil || event == nil {
		return event, err
	}

	if err := s.cache.Delete(ctx, cache.EventNameKey(eventID)); err != nil && err != cache.ErrCacheDisabled {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to evict cached event name")
	}
	s.listChanged()
	log.Info().Str("event_id", eventID).Msg("Event updated")
	return event, nil
}

// AddApplicant asks for userID to play the host with variant
func (s *EventService) AddApplicant(ctx context.Context, eventID, userID string, variant models.Variant) (err error) {
	txn := s.trace("simul-add-applicant", eventID)
	defer func() { s.endTrace(txn, err) }()

	event, err := s.mutateCreated(ctx, eventID, func(ctx context.Context, e *models.Event) (*models.Event, error) {
		if e.HostID == userID || e.HasApplicant(userID) {
			return nil, nil
		}
		if !e.HasVariant(variant) {
			return nil, ErrVariantNotOffered
		}
		if e.AcceptedCount() >= s.cfg.MaxAccepted {
			return nil, ErrEventFull
		}

		user, err := s.users.WithPerformanceProfile(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load applicant")
		}
		perf := e.PerfType()
		if verdict := s.verifier.Verify(ctx, e, user, perf); !verdict.Accepted {
			return nil, &IneligibleError{Reason: verdict.Reason}
		}

		return models.WithApplicant(e, models.Applicant{
			UserID:   userID,
			Variant:  variant,
			Rating:   user.RatingFor(perf),
			JoinedAt: s.now(),
		}), nil
	})
	if err != nil {
		s.metrics.IncrementCounter(metrics.ApplicantsRejected)
		return err
	}
	if event == nil {
		return nil
	}

	s.publish(ctx, messaging.SimulJoined, event, userID)
	s.listChanged()
	s.metrics.IncrementCounter(metrics.ApplicantsJoined)
	log.Info().Str("event_id", eventID).Str("user_id", userID).Str("variant", string(variant)).Msg("Applicant joined")
	return nil
}

// RemoveApplicant withdraws userID from a Created event
func (s *EventService) RemoveApplicant(ctx context.Context, eventID, userID string) (err error) {
	txn := s.trace("simul-remove-applicant", eventID)
	defer func() { s.endTrace(txn, err) }()

	event, err := s.mutateCreated(ctx, eventID, func(ctx context.Context, e *models.Event) (*models.Event, error) {
		if !e.HasApplicant(userID) {
			return nil, nil
		}
		return models.WithoutApplicant(e, userID), nil
	})
	if err != nil || event == nil {
		return err
	}

	s.listChanged()
	log.Info().Str("event_id", eventID).Str("user_id", userID).Msg("Applicant removed")
	return nil
}

// Accept sets the acceptance flag of userID. Accepting past the ceiling
// fails with ErrEventFull.
func (s *EventService) Accept(ctx context.Context, eventID, userID string, accepted bool) (err error) {
	txn := s.trace("simul-accept", eventID)
	defer func() { s.endTrace(txn, err) }()

	event, err := s.mutateCreated(ctx, eventID, func(ctx context.Context, e *models.Event) (*models.Event, error) {
		if !e.HasApplicant(userID) {
			return nil, nil
		}
		next, ok := models.WithAcceptance(e, userID, accepted, s.cfg.MaxAccepted)
		if !ok {
			return nil, ErrEventFull
		}
		return next, nil
	})
	if err != nil || event == nil {
		return err
	}

	log.Info().Str("event_id", eventID).Str("user_id", userID).Bool("accepted", accepted).Msg("Applicant acceptance changed")
	return nil
}

// Start freezes the accepted applicants into pairings and creates their
// games. Nothing is persisted unless every game was created.
func (s *EventService) Start(ctx context.Context, eventID string) (event *models.Event, err error) {
	started := time.Now()
	txn := s.trace("simul-start", eventID)
	defer func() {
		s.metrics.Observe(metrics.OpStart, started, err)
		s.endTrace(txn, err)
	}()

	// not retried: the games are already created when the write can go stale
	event, err = sequencer.Call(ctx, s.seq, eventID, func(ctx context.Context) (*models.Event, error) {
		current, err := s.repo.FindCreated(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if current == nil || !current.CanStart() {
			log.Debug().Str("event_id", eventID).Msg("Event cannot start, skipping")
			return nil, nil
		}

		host, err := s.users.WithPerformanceProfile(ctx, current.HostID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load host")
		}

		segment := s.tracer.StartSpan("create-games", txn)
		games, err := s.orchestrator.CreateGames(ctx, current, host)
		segment.End()
		if err != nil {
			return nil, err
		}

		gameIDs := make([]string, len(games))
		for i, g := range games {
			gameIDs[i] = g.ID
		}
		next := models.Started(current, gameIDs, s.now())
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, err
		}

		s.orchestrator.Announce(ctx, next, games)
		if len(games) > 0 {
			if err := s.socket.HostIsOnline(ctx, eventID, games[0].ID); err != nil {
				log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to point observers at the first game")
			}
		}
		s.reload(ctx, eventID)
		return next, nil
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("Failed to start event")
		return nil, errors.Wrap(err, "failed to start event")
	}
	if event == nil {
		return nil, nil
	}

	s.invalidateHosts(ctx)
	s.publish(ctx, messaging.SimulStarted, event, event.HostID)
	s.listChanged()
	s.metrics.IncrementCounter(metrics.EventsStarted)

	log.Info().Str("event_id", eventID).Int("pairings", len(event.Pairings)).Msg("Event started")
	return event, nil
}

// FinishGame records the result of one pairing. The first result for a
// pairing wins; later ones are ignored. When the last pairing ends the event
// finishes and the host is notified.
func (s *EventService) FinishGame(ctx context.Context, eventID, gameID string, status models.GameStatus, winnerID string) (err error) {
	started := time.Now()
	txn := s.trace("simul-finish-game", eventID)
	defer func() {
		s.metrics.Observe(metrics.OpFinishGame, started, err)
		s.endTrace(txn, err)
	}()

	event, err := serialize(ctx, s, eventID, func(ctx context.Context) (*models.Event, error) {
		current, err := s.repo.FindStarted(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			log.Debug().Str("event_id", eventID).Str("game_id", gameID).Msg("Event not started, ignoring game result")
			return nil, nil
		}

		next, changed := models.WithFinishedPairing(current, gameID, status, winnerID)
		if !changed {
			log.Debug().Str("event_id", eventID).Str("game_id", gameID).Msg("Pairing unknown or already finished")
			return nil, nil
		}
		if next.AllPairingsFinished() {
			next = models.Finished(next, s.now())
		}
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, err
		}
		s.reload(ctx, eventID)
		return next, nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to finish game")
	}
	if event == nil {
		return nil
	}

	s.metrics.IncrementCounter(metrics.PairingsFinished)
	log.Info().Str("event_id", eventID).Str("game_id", gameID).Str("status", string(status)).Msg("Pairing finished")

	if event.IsFinished() {
		s.onFinished(ctx, event)
	}
	return nil
}

func (s *EventService) onFinished(ctx context.Context, event *models.Event) {
	s.invalidateHosts(ctx)

	end := map[string]string{"id": event.ID, "name": event.Name}
	if err := s.socket.NotifyUser(ctx, event.HostID, "simulEnd", end); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to notify host of event end")
	}
	s.publish(ctx, messaging.SimulEnded, event, event.HostID)

	if err := s.cache.Delete(ctx, cache.HostedCountKey(event.HostID)); err != nil && err != cache.ErrCacheDisabled {
		log.Warn().Err(err).Str("host_id", event.HostID).Msg("Failed to evict hosted count")
	}
	if s.history != nil {
		if err := s.history.IndexEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to index finished event")
		}
	}

	s.listChanged()
	s.metrics.IncrementCounter(metrics.EventsFinished)
	log.Info().Str("event_id", event.ID).Msg("Event finished")
}

// Abort deletes a Created event
func (s *EventService) Abort(ctx context.Context, eventID string) (err error) {
	txn := s.trace("simul-abort", eventID)
	defer func() { s.endTrace(txn, err) }()

	aborted, err := serialize(ctx, s, eventID, func(ctx context.Context) (bool, error) {
		event, err := s.repo.FindCreated(ctx, eventID)
		if err != nil || event == nil {
			return false, err
		}
		if err := s.repo.Remove(ctx, event); err != nil {
			return false, err
		}
		s.reload(ctx, eventID)
		return true, nil
	})
	if err != nil || !aborted {
		return err
	}

	if err := s.cache.Delete(ctx, cache.EventNameKey(eventID)); err != nil && err != cache.ErrCacheDisabled {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to evict cached event name")
	}
	s.listChanged()
	s.metrics.IncrementCounter(metrics.EventsAborted)
	log.Info().Str("event_id", eventID).Msg("Event aborted")
	return nil
}

// SetText replaces the description of a Created or Started event
func (s *EventService) SetText(ctx context.Context, eventID, text string) error {
	_, err := serialize(ctx, s, eventID, func(ctx context.Context) (*models.Event, error) {
		event, err := s.repo.FindByID(ctx, eventID)
		if err != nil || event == nil {
			return nil, err
		}
		if !event.IsCreated() && !event.IsStarted() {
			return nil, nil
		}
		next := models.WithText(event, text)
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, err
		}
		s.reload(ctx, eventID)
		return next, nil
	})
	return err
}

// EjectCheater removes userID from every Created event it applied to.
// Started events keep their frozen pairings.
func (s *EventService) EjectCheater(ctx context.Context, userID string) error {
	events, err := s.repo.ListAllNotFinished(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list unfinished events")
	}

	var firstErr error
	for _, event := range events {
		if !event.IsCreated() || !event.HasApplicant(userID) {
			continue
		}
		if err := s.RemoveApplicant(ctx, event.ID, userID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Str("user_id", userID).Msg("Failed to eject user")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.metrics.IncrementCounter(metrics.ApplicantsEjected)
		log.Info().Str("event_id", event.ID).Str("user_id", userID).Msg("Ejected user from event")
	}
	return firstErr
}

// HostPing records that the host is present and drops applicants whose
// sockets are gone
func (s *EventService) HostPing(ctx context.Context, eventID string) error {
	_, err := serialize(ctx, s, eventID, func(ctx context.Context) (*models.Event, error) {
		event, err := s.repo.FindCreated(ctx, eventID)
		if err != nil || event == nil {
			return nil, err
		}

		now := s.now()
		if err := s.repo.UpdateHostSeenAt(ctx, eventID, now); err != nil {
			return nil, err
		}
		if len(event.Applicants) == 0 {
			return event, nil
		}

		ids := event.ApplicantIDs()
		online, err := s.socket.FilterOnline(ctx, eventID, ids)
		if err != nil {
			log.Warn().Err(err).Str("event_id", eventID).Msg("Failed to read applicant presence")
			return event, nil
		}
		present := make(map[string]struct{}, len(online))
		for _, id := range online {
			present[id] = struct{}{}
		}
		var gone []string
		for _, id := range ids {
			if _, ok := present[id]; !ok {
				gone = append(gone, id)
			}
		}
		if len(gone) == 0 {
			return event, nil
		}

		next := models.WithHostSeen(models.WithoutApplicants(event, gone), now)
		if err := s.repo.Update(ctx, next); err != nil {
			return nil, err
		}
		s.reload(ctx, eventID)
		log.Info().Str("event_id", eventID).Strs("user_ids", gone).Msg("Removed offline applicants")
		return next, nil
	})
	return err
}
