package cmd

import (
	"context"
	"os"
	"time"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/broadcast"
	"example.com/backstage/simul/internal/cache"
	"example.com/backstage/simul/internal/database"
	"example.com/backstage/simul/internal/messaging"
	"example.com/backstage/simul/internal/metrics"
	"example.com/backstage/simul/internal/repositories"
	"example.com/backstage/simul/internal/search"
	"example.com/backstage/simul/internal/sequencer"
	"example.com/backstage/simul/internal/services"
	"example.com/backstage/simul/internal/socket"
	"example.com/backstage/simul/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// gateway is what both socket implementations offer
type gateway interface {
	services.SocketGateway
	MarkPresent(ctx context.Context, eventID, userID string) error
	Broadcast(ctx context.Context) error
}

// app holds the wired collaborators shared by the api and worker commands
type app struct {
	cfg       config.Config
	dbs       *database.Databases
	redis     *cache.RedisCache
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
	gateway   gateway
	publisher *messaging.Publisher
	hosts     *cache.HostCache
	seq       *sequencer.Sequencer
	debouncer *broadcast.Debouncer
	service   *services.EventService
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg config.Config) {
	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if os.Getenv("LOG_LEVEL") == "" {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
			zerolog.SetGlobalLevel(level)
		}
	}
}

// newApp connects every backing service. Optional ones (Redis, Service Bus,
// Elasticsearch, New Relic) degrade to no-op implementations.
func newApp(cfg config.Config) (*app, error) {
	dbs, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, dbs: dbs, metrics: metrics.NewMetrics()}
	a.metrics.SetHealth("database", true)

	a.redis, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		a.redis = cache.Disabled()
	}
	if client := a.redis.Client(); client != nil {
		a.gateway = socket.NewRedisGateway(client, cfg.Simul.PresenceTTL)
		a.metrics.SetHealth("redis", true)
	} else {
		log.Warn().Msg("Redis disabled, socket notifications will be dropped")
		a.gateway = socket.NopGateway{}
	}

	a.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		a.tracer = tracing.Disabled()
	}

	var bus services.DomainEventBus = messaging.NopPublisher{}
	if cfg.Azure.QueueConnStr != "" {
		a.publisher, err = messaging.NewPublisher(cfg.Azure)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Service Bus publisher, domain events will be dropped")
		} else {
			bus = a.publisher
		}
	}

	var history services.HistoryIndex
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	} else if elasticClient != nil {
		history = elasticClient
	}

	events := repositories.NewEventRepository(dbs.Write, dbs.ReadOnly)
	a.hosts = cache.NewHostCache(events, 5*time.Second)
	a.seq = sequencer.New(sequencer.Config{
		Name:       "simul",
		QueueSize:  cfg.Simul.QueueSize,
		Timeout:    cfg.Simul.TaskTimeout,
		Expiration: cfg.Simul.KeyExpiration,
	}, a.metrics)
	a.debouncer = broadcast.NewDebouncer(broadcast.SinkFunc(func(ctx context.Context) error {
		if err := a.gateway.Broadcast(ctx); err != nil {
			return err
		}
		a.metrics.IncrementCounter(metrics.BroadcastsSent)
		return nil
	}), cfg.Simul.DebounceWindow)

	a.service = services.NewEventService(services.Dependencies{
		Events:      events,
		Games:       repositories.NewGameRepository(dbs.Write, dbs.ReadOnly),
		Users:       repositories.NewUserRepository(dbs.Write, dbs.ReadOnly),
		Socket:      a.gateway,
		Bus:         bus,
		History:     history,
		Hosts:       a.hosts,
		Cache:       a.redis,
		Broadcaster: a.debouncer,
		Sequencer:   a.seq,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	}, cfg.Simul)

	return a, nil
}

// newScheduler registers the jobs every process runs: the host cache refresh
// and the gauge snapshot
func (a *app) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(a.cfg.Simul.HostCacheRefresh),
		gocron.NewTask(func() {
			if err := a.hosts.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to refresh current hosts")
				return
			}
			if ids, err := a.hosts.IDs(ctx); err == nil {
				a.metrics.SetGauge(metrics.GaugeCurrentHosts, int64(len(ids)))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(func() {
			a.metrics.SetGauge(metrics.GaugeSequencerQueues, int64(a.seq.Size()))
		}),
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

// watchHosts reloads the host cache whenever another process starts or
// finishes an event. Without Redis the scheduled refresh is all there is.
func (a *app) watchHosts(ctx context.Context) {
	gw, ok := a.gateway.(*socket.RedisGateway)
	if !ok {
		return
	}
	go func() {
		err := gw.WatchHostsChanged(ctx, func() {
			a.metrics.IncrementCounter(metrics.HostSetChanges)
			a.hosts.Invalidate()
		})
		if err != nil {
			log.Error().Err(err).Msg("Stopped watching host set changes")
		}
	}()
}

func (a *app) close() {
	a.debouncer.Stop()
	a.seq.Close()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Service Bus publisher")
		}
	}
	if err := a.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	if err := a.dbs.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database connections")
	}
	a.tracer.Close()
}
