package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvhzldn/almond-river-records-sub000/internal/bootstrap"
	"github.com/dvhzldn/almond-river-records-sub000/internal/cron"
)

// jobCmd runs a cron job once outside the schedule, e.g. to sweep paid orders
// right after a catalog outage clears.
func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "List or run the scheduled jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), func(jobs *cron.Registry) error {
				for _, job := range jobs.Jobs() {
					fmt.Fprintln(cmd.OutOrStdout(), job.Name())
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run [name]",
		Short: "Run one scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withJobs(ctx, func(jobs *cron.Registry) error {
				return runJob(ctx, cmd.OutOrStdout(), jobs, args[0])
			})
		},
	})
	return cmd
}

func withJobs(ctx context.Context, fn func(*cron.Registry) error) error {
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()
	stack, err := s.stack(ctx)
	if err != nil {
		return err
	}
	jobs, err := bootstrap.CronJobs(bootstrap.Deps{Config: s.cfg, Logger: s.logg, DB: s.db, Redis: s.redis}, stack)
	if err != nil {
		return err
	}
	return fn(jobs)
}

func runJob(ctx context.Context, out io.Writer, jobs *cron.Registry, name string) error {
	job, ok := jobs.Lookup(strings.TrimSpace(name))
	if !ok {
		names := make([]string, 0)
		for _, j := range jobs.Jobs() {
			names = append(names, j.Name())
		}
		return fmt.Errorf("unknown job %q (have %s)", name, strings.Join(names, ", "))
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", job.Name(), err)
	}
	fmt.Fprintf(out, "%s completed in %s\n", job.Name(), time.Since(start).Round(time.Millisecond))
	return nil
}
