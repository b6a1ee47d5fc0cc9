package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vodflow/internal/domain"
	"vodflow/internal/sweep"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "sweep <active|projects>",
		Short:     "Run one reconciliation sweep and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{sweep.NameActive, sweep.NameProjects},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			name := args[0]
			if name != sweep.NameActive && name != sweep.NameProjects {
				return fmt.Errorf("unknown sweep %q", name)
			}

			lock := flock.New(cfg.SweepLockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire sweep lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another sweep holds %s", cfg.SweepLockPath)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.Warn().Err(err).Msg("release sweep lock")
				}
			}()

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			var res sweep.Result
			switch name {
			case sweep.NameActive:
				res = a.sweeper.ActiveCleanup(cmd.Context(), start, limit)
			case sweep.NameProjects:
				res = a.sweeper.ProjectsCleanup(cmd.Context(), limit, logProjectCleanup)
			}

			rows := make([][]string, 0, len(res.Cleaned))
			for i, id := range res.Cleaned {
				rows = append(rows, []string{strconv.Itoa(i + 1), id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Cleaned"}, rows, []columnAlignment{alignRight, alignLeft}))
			fmt.Fprintf(cmd.OutOrStdout(), "%s sweep: %d cleaned in %s (%s)\n",
				name, len(res.Cleaned), time.Since(start).Round(time.Millisecond), res.LogContext)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Batch size (defaults to the configured limit)")
	return cmd
}

func logProjectCleanup(_ context.Context, p domain.Project) error {
	log.Info().Str("project_id", p.ID).Str("user_id", p.UserID).Msg("project children removed")
	return nil
}
