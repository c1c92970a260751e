// Package app assembles the birdhub components from settings and runs them
// until shutdown.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/birdhub/birdhub/internal/analytics"
	"github.com/birdhub/birdhub/internal/api"
	v2 "github.com/birdhub/birdhub/internal/api/v2"
	"github.com/birdhub/birdhub/internal/buildinfo"
	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/events"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/httpclient"
	"github.com/birdhub/birdhub/internal/ingest"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/media"
	"github.com/birdhub/birdhub/internal/mqtt"
	"github.com/birdhub/birdhub/internal/notification"
	"github.com/birdhub/birdhub/internal/observability"
	"github.com/birdhub/birdhub/internal/realtime"
	"github.com/birdhub/birdhub/internal/species"
	"github.com/birdhub/birdhub/internal/telemetry"
)

const (
	// speciesCacheTTL bounds how long resolved species codes are reused
	speciesCacheTTL = 10 * time.Minute
	// stationNameTTL bounds how long station display names are reused
	stationNameTTL = 5 * time.Minute
	// busShutdownTimeout bounds the drain of pending fan-out events
	busShutdownTimeout = 10 * time.Second
)

// App is a fully wired birdhub server process
type App struct {
	settings *conf.Settings
	log      logger.Logger

	store    datastore.Interface
	metrics  *observability.Metrics
	endpoint *observability.Endpoint
	reporter *telemetry.Reporter

	hub          *realtime.Hub
	bridge       *realtime.RedisBridge
	mqttClient   mqtt.Client
	redisClients []*redis.Client

	queue     notification.Queue
	bus       *events.EventBus
	worker    *notification.Worker
	scheduler *media.RefreshScheduler
	server    *api.Server
}

// Option configures an App
type Option func(*App)

// WithLogger sets the root logger
func WithLogger(log logger.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithStore uses an already opened store instead of opening one from settings
func WithStore(store datastore.Interface) Option {
	return func(a *App) { a.store = store }
}

// New builds every component selected by settings. Components that need a
// network peer (MQTT broker, Redis) are connected here so misconfiguration
// fails at startup. Close releases whatever was created, also on error.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	a := &App{settings: settings}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Global().Module("app")
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.log.Info("birdhub initialized",
		logger.String("version", buildinfo.Current().GetVersion()),
		logger.String("database", settings.Database.Type),
		logger.String("queue", settings.Queue.Type),
		logger.Bool("mqtt", a.mqttClient != nil),
		logger.Bool("redis_bridge", a.bridge != nil),
		logger.Bool("in_process_worker", a.worker != nil))
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	settings := a.settings
	if err := a.initObservability(); err != nil {
		return err
	}
	if err := a.initStore(); err != nil {
		return err
	}
	broadcaster, err := a.initRealtime(ctx)
	if err != nil {
		return err
	}
	if err = a.initQueue(ctx, broadcaster); err != nil {
		return err
	}

	a.bus = events.New(events.Config{
		BufferSize:   settings.Ingest.DispatchBuffer,
		Workers:      settings.Ingest.DispatchWorkers,
		EventTimeout: settings.Ingest.DispatchDeadline,
	}, a.metrics.Fanout, a.log.Module("events"))

	dispatcher := fanout.NewDispatcher(
		broadcaster,
		a.store,
		notification.NewMeteredQueue(a.queue, a.metrics.Notification),
		fanout.NewCachedDirectory(a.store, stationNameTTL, a.log.Module("fanout")),
		a.log.Module("fanout"),
		fanout.WithMetrics(a.metrics.Fanout),
	)
	if err = a.bus.RegisterConsumer(dispatcher); err != nil {
		return err
	}

	mediaResolver := a.initMedia()

	ingester := ingest.NewService(a.store,
		species.NewResolver(a.store, speciesCacheTTL, a.log.Module("species")),
		a.log.Module("ingest"),
		ingest.WithClockSkew(settings.Ingest.ClockSkew),
		ingest.WithMetrics(a.metrics.Ingest),
		ingest.WithMediaResolver(mediaResolver),
		ingest.WithPublisher(a.bus),
	)
	engine := analytics.NewEngine(a.store, a.log.Module("analytics"),
		analytics.WithRecorder(a.metrics.Analytics))

	sse := realtime.NewSSEHandler(a.hub, settings.Realtime.SSE.Heartbeat, a.log.Module("sse"))
	ws := realtime.NewWSHandler(a.hub, settings.Server.AllowedOrigins, a.log.Module("websocket"))

	a.server, err = api.New(settings, a.store,
		api.WithLogger(a.log.Module("api")),
		api.WithMetrics(a.metrics),
		api.WithAPIOptions(
			v2.WithIngester(ingester),
			v2.WithMediaService(mediaResolver),
			v2.WithAggregator(engine),
			v2.WithStreams(sse.Stream, ws.Serve),
		),
	)
	if err != nil {
		return err
	}
	a.endpoint = observability.NewEndpoint(settings, a.metrics)
	return nil
}

func (a *App) initObservability() error {
	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).
			Component("app").
			Category(errors.CategoryGeneric).
			Context("operation", "init_metrics").
			Build()
	}
	a.metrics = m

	reporter, err := telemetry.NewReporter(a.settings.Sentry, a.log.Module("telemetry"),
		telemetry.WithRelease(buildinfo.Current().GetVersion()))
	if err != nil {
		return err
	}
	a.reporter = reporter
	a.reporter.Install()
	return nil
}

func (a *App) initStore() error {
	if a.store != nil {
		return nil
	}
	store, err := datastore.New(a.settings, a.log.Module("datastore"))
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	a.store = store
	return nil
}

// initRealtime creates the local hub and the optional MQTT and Redis bridges
// and returns the broadcaster used by the fan-out.
func (a *App) initRealtime(ctx context.Context) (fanout.Broadcaster, error) {
	rt := a.settings.Realtime
	a.hub = realtime.NewHub(a.log.Module("realtime"),
		realtime.WithMaxClients(rt.SSE.MaxClients),
		realtime.WithHubMetrics(a.metrics.Realtime))

	targets := []fanout.Broadcaster{a.hub}

	if rt.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.ConfigFromSettings(a.settings), a.log.Module("mqtt"))
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		a.mqttClient = client
		targets = append(targets,
			realtime.NewMQTTBroadcaster(client, rt.MQTT.TopicPrefix, a.metrics.Realtime, a.log.Module("mqtt")))
	}

	if rt.Redis.Enabled {
		client, err := a.redisClient(ctx, rt.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.bridge = realtime.NewRedisBridge(client, rt.Redis.Channel, a.hub, a.metrics.Realtime, a.log.Module("realtime"))
		targets = append(targets, a.bridge)
	}

	return realtime.NewMultiBroadcaster(targets...), nil
}

// initQueue opens the notification queue. With the memory queue the worker
// runs in this process; a Redis queue is drained by the worker command.
func (a *App) initQueue(ctx context.Context, broadcaster fanout.Broadcaster) error {
	switch a.settings.Queue.Type {
	case conf.QueueRedis:
		client, err := a.redisClient(ctx, a.settings.Queue.RedisURL)
		if err != nil {
			return err
		}
		a.queue = notification.NewRedisQueue(client, a.settings.Queue.Key, a.settings.Queue.PollTimeout, a.log.Module("queue"))
		return nil
	default:
		a.queue = notification.NewMemoryQueue(a.settings.Queue.Capacity)
	}

	senders, err := buildSenders(a.settings, broadcaster, a.log.Module("notification"))
	if err != nil {
		return err
	}
	a.worker, err = notification.NewWorker(a.queue, senders, notification.WorkerConfigFromSettings(a.settings),
		a.metrics.Notification, a.log.Module("notification"))
	return err
}

// initMedia builds the media resolver and its refresh sweep. Provider "none"
// leaves the resolver cache-only.
func (a *App) initMedia() *media.Resolver {
	ms := a.settings.Media
	var source media.Source
	if ms.Provider == "wikimedia" {
		source = media.NewWikimediaSource(media.WikimediaConfig{
			UserAgent:  ms.UserAgent,
			RateLimit:  ms.RateLimit,
			HTTPClient: httpclient.New(httpclient.Config{
				DefaultTimeout: ms.FetchTimeout,
				UserAgent:      ms.UserAgent,
			}, a.log.Module("httpclient")),
		}, a.log.Module("media"))
		if ms.Breaker.Enabled {
			source = media.NewBreakerSource(source, ms.Breaker, a.metrics.Media, a.log.Module("media"))
		}
	}

	resolver := media.NewResolver(a.store, source, a.log.Module("media"),
		media.WithFetchTimeout(ms.FetchTimeout),
		media.WithMetrics(a.metrics.Media))

	if source != nil && ms.RefreshSchedule != "" {
		a.scheduler = media.NewRefreshScheduler(ms.RefreshSchedule, ms.RefreshBatch,
			a.store, resolver, a.metrics.Media, a.log.Module("media"))
	}
	return resolver
}

// redisClient connects to url and tracks the client for Close
func (a *App) redisClient(ctx context.Context, url string) (*redis.Client, error) {
	client, err := realtime.NewRedisClient(ctx, url)
	if err != nil {
		return nil, err
	}
	a.redisClients = append(a.redisClients, client)
	return client, nil
}

// buildSenders returns the in-app sender when a broadcaster is available and
// the email sender when an email URL is configured.
func buildSenders(settings *conf.Settings, broadcaster fanout.Broadcaster, log logger.Logger) ([]notification.Sender, error) {
	renderer, err := notification.NewRenderer(settings.Notification.TitlePrefix, "", "")
	if err != nil {
		return nil, err
	}
	var senders []notification.Sender
	if broadcaster != nil {
		senders = append(senders, notification.NewInAppSender(broadcaster, renderer))
	} else {
		log.Warn("in-app notifications disabled, no realtime transport to deliver them")
	}
	if settings.Notification.EmailURL == "" {
		log.Info("email notifications disabled, no email URL configured")
		return senders, nil
	}
	email, err := notification.NewEmailSender(settings.Notification.EmailURL, renderer,
		settings.Notification.SendTimeout, log)
	if err != nil {
		return nil, err
	}
	return append(senders, email), nil
}

// Run serves until ctx is cancelled or a component fails
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.scheduler.Stop()
	}

	g.Go(func() error { return a.server.Run(ctx) })
	if a.endpoint != nil {
		g.Go(func() error { return a.endpoint.Run(ctx) })
	}
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(ctx) })
	}
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Server returns the HTTP server
func (a *App) Server() *api.Server { return a.server }

// Hub returns the local realtime hub
func (a *App) Hub() *realtime.Hub { return a.hub }

// Store returns the datastore
func (a *App) Store() datastore.Interface { return a.store }

// Close drains pending fan-out events and releases every connection. It is
// safe on a partially built App.
func (a *App) Close() {
	if a.bus != nil {
		if err := a.bus.Shutdown(busShutdownTimeout); err != nil {
			a.log.Warn("event bus did not drain", logger.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("failed to close notification queue", logger.Error(err))
		}
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	for _, c := range a.redisClients {
		if err := c.Close(); err != nil {
			a.log.Warn("failed to close redis client", logger.Error(err))
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("failed to close datastore", logger.Error(err))
		}
	}
	a.reporter.Close()
}
