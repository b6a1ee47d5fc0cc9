package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vodflow/internal/api"
	"vodflow/internal/queue"
	"vodflow/internal/scheduler"
	"vodflow/internal/sweep"
	"vodflow/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume task results, run the sweeps on schedule and serve HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(runCtx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("close failed")
				}
			}()

			pool := worker.NewPool(cfg.ConsumerConcurrency)
			if err := a.queue.Consume(runCtx, queue.TopicTasks, pool.Wrap(a.engine.HandleResultMessage)); err != nil {
				return fmt.Errorf("consume task results: %w", err)
			}

			sched := scheduler.NewService()
			if err := sched.Register(sweep.NameActive, cfg.ActiveCleanupCron, a.sweeper.RunActive); err != nil {
				return err
			}
			if err := sched.Register(sweep.NameProjects, cfg.ProjectsCleanupCron, a.sweeper.RunProjects); err != nil {
				return err
			}
			schedDone := make(chan struct{})
			go func() {
				defer close(schedDone)
				sched.Start(runCtx)
			}()

			srv := &http.Server{Addr: cfg.BindAddr, Handler: api.NewServer(api.Deps{
				Tasks:  a.store.Tasks(),
				Assets: a.store.Assets(),
				Engine: a.engine,
				Sweeps: a.sweeper,
				Debug:  debug,
			})}
			srvErr := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.BindAddr).Int("consumers", pool.Size()).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					srvErr <- err
				}
			}()

			var runErr error
			select {
			case <-runCtx.Done():
			case runErr = <-srvErr:
				log.Error().Err(runErr).Msg("http server")
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			sched.Stop()
			<-schedDone
			if err := pool.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("in-flight deliveries did not finish before shutdown timeout")
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Expose pprof handlers under /debug/pprof")
	return cmd
}
