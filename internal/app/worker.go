package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/mqtt"
	"github.com/birdhub/birdhub/internal/notification"
	"github.com/birdhub/birdhub/internal/observability"
	"github.com/birdhub/birdhub/internal/realtime"
)

// Worker is a standalone notification worker draining the shared Redis
// queue. In-app notifications reach the server processes through the Redis
// realtime bridge and, when enabled, MQTT.
type Worker struct {
	App
}

// NewWorker builds a worker process. It requires the Redis queue.
func NewWorker(ctx context.Context, settings *conf.Settings, opts ...Option) (*Worker, error) {
	w := &Worker{App: App{settings: settings}}
	for _, opt := range opts {
		opt(&w.App)
	}
	if w.log == nil {
		w.log = logger.Global().Module("worker")
	}
	if err := w.build(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Worker) build(ctx context.Context) error {
	settings := w.settings
	if settings.Queue.Type != conf.QueueRedis {
		return errors.Newf("the notification worker needs queue type %q, got %q", conf.QueueRedis, settings.Queue.Type).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := w.initObservability(); err != nil {
		return err
	}

	client, err := w.redisClient(ctx, settings.Queue.RedisURL)
	if err != nil {
		return err
	}
	w.queue = notification.NewRedisQueue(client, settings.Queue.Key, settings.Queue.PollTimeout, w.log.Module("queue"),
		notification.WithConsumer(settings.Queue.Consumer))

	var targets []fanout.Broadcaster
	if settings.Realtime.Redis.Enabled {
		pubClient, err := w.redisClient(ctx, settings.Realtime.Redis.URL)
		if err != nil {
			return err
		}
		// publish only, the worker has no local clients
		targets = append(targets, realtime.NewRedisBridge(pubClient, settings.Realtime.Redis.Channel, nil,
			w.metrics.Realtime, w.log.Module("realtime")))
	}
	if settings.Realtime.MQTT.Enabled {
		mc, err := mqtt.NewClient(mqtt.ConfigFromSettings(settings), w.log.Module("mqtt"))
		if err != nil {
			return err
		}
		if err := mc.Connect(ctx); err != nil {
			return err
		}
		w.mqttClient = mc
		targets = append(targets, realtime.NewMQTTBroadcaster(mc, settings.Realtime.MQTT.TopicPrefix,
			w.metrics.Realtime, w.log.Module("mqtt")))
	}

	var broadcaster fanout.Broadcaster
	if len(targets) > 0 {
		broadcaster = realtime.NewMultiBroadcaster(targets...)
	}
	senders, err := buildSenders(settings, broadcaster, w.log.Module("notification"))
	if err != nil {
		return err
	}
	w.worker, err = notification.NewWorker(w.queue, senders, notification.WorkerConfigFromSettings(settings),
		w.metrics.Notification, w.log.Module("notification"))
	if err != nil {
		return err
	}
	// the worker has no API server, so /metrics needs metrics.listen
	w.endpoint = observability.NewEndpoint(settings, w.metrics)
	return nil
}

// Run delivers jobs until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.worker.Run(ctx) })
	if w.endpoint != nil {
		g.Go(func() error { return w.endpoint.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
