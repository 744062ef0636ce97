package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/migrate"
)

type migrationStatuser interface {
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the order database schema",
	}
	cmd.AddCommand(
		migrateSubCmd("up", "Apply every pending migration", cobra.NoArgs,
			func(ctx context.Context, s *session, p *goose.Provider, _ io.Writer, _ []string) error {
				return migrate.Up(ctx, p, s.logg)
			}),
		migrateSubCmd("down", "Roll back the newest applied migration", cobra.NoArgs,
			func(ctx context.Context, s *session, p *goose.Provider, out io.Writer, _ []string) error {
				r, err := p.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "rolled back %d\n", r.Source.Version)
				return nil
			}),
		migrateSubCmd("to [version]", "Migrate up or down to a YYYYMMDDHHMMSS version", cobra.ExactArgs(1),
			func(ctx context.Context, s *session, p *goose.Provider, _ io.Writer, args []string) error {
				version, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return migrate.To(ctx, p, s.logg, version)
			}),
		migrateSubCmd("status", "List embedded migrations and whether they are applied", cobra.NoArgs,
			func(ctx context.Context, _ *session, p *goose.Provider, out io.Writer, _ []string) error {
				return runMigrationStatus(ctx, out, p)
			}),
	)
	return cmd
}

func migrateSubCmd(use, short string, args cobra.PositionalArgs, run func(context.Context, *session, *goose.Provider, io.Writer, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()
			sqlDB, err := s.db.DB().DB()
			if err != nil {
				return err
			}
			p, err := migrate.NewProvider(sqlDB)
			if err != nil {
				return err
			}
			return run(ctx, s, p, cmd.OutOrStdout(), argv)
		},
	}
}

func runMigrationStatus(ctx context.Context, out io.Writer, p migrationStatuser) error {
	rows, err := p.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, r := range rows {
		applied := "-"
		if !r.AppliedAt.IsZero() {
			applied = r.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Source.Version, r.State, applied, r.Source.Path)
	}
	return w.Flush()
}
