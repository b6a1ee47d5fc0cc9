package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"vodflow/internal/config"
	"vodflow/internal/engine"
	"vodflow/internal/observability"
	"vodflow/internal/queue"
	"vodflow/internal/store"
	"vodflow/internal/sweep"
)

// app holds the collaborators shared by serve and the one-shot sweeps.
type app struct {
	store   *store.Store
	queue   queue.Client
	metrics *observability.Metrics
	engine  *engine.Engine
	sweeper *sweep.Sweeper
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info().Str("dialect", st.Dialect()).Msg("store opened")

	q, err := openQueue(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	e := engine.New(engine.Config{
		MaxScheduledTasksPerUser: cfg.MaxScheduledTasksPerUser,
		MaxRetries:               cfg.TaskMaxRetries,
		BaseRetryDelay:           cfg.TaskBaseRetryDelay,
		PlaybackBase:             cfg.PlaybackBase(),
	}, engine.StoreRepositories(st), q, metrics)

	sw := sweep.New(sweep.Config{
		ActiveTimeout:         cfg.ActiveTimeout,
		RecordingWaitingDelay: cfg.RecordingWaitingDelay,
		ActiveLimit:           cfg.ActiveCleanupLimit,
		ProjectsLimit:         cfg.ProjectsCleanupLimit,
	}, sweep.StoreRepositories(st), e, metrics)

	return &app{store: st, queue: q, metrics: metrics, engine: e, sweeper: sw}, nil
}

func openQueue(cfg config.Config) (queue.Client, error) {
	if cfg.AMQPURL == "" {
		log.Warn().Msg("AMQP_URL not set; task dispatch and webhooks are disabled")
		return queue.NewNoop(), nil
	}
	return queue.DialAMQP(queue.AMQPConfig{
		URL:             cfg.AMQPURL,
		Prefetch:        cfg.ConsumerConcurrency,
		RedeliveryDelay: cfg.RedeliveryDelay,
	})
}

func (a *app) Close() error {
	return errors.Join(a.queue.Close(), a.store.Close())
}
