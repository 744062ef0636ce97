package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations is the schema history compiled into every binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// NewProvider binds the embedded migrations to db. The schema uses jsonb and
// the order_logs append-only trigger, so only Postgres is supported.
func NewProvider(db *sql.DB) (*goose.Provider, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return goose.NewProvider(goose.DialectPostgres, db, Migrations())
}

// Up applies every pending migration.
func Up(ctx context.Context, p *goose.Provider, logg *logger.Logger) error {
	results, err := p.Up(ctx)
	logResults(ctx, logg, results)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// To moves the schema up or down until version is the newest applied migration.
func To(ctx context.Context, p *goose.Provider, logg *logger.Logger, version int64) error {
	current, err := p.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case current == version:
		return nil
	case current < version:
		results, err = p.UpTo(ctx, version)
	default:
		results, err = p.DownTo(ctx, version)
	}
	logResults(ctx, logg, results)
	if err != nil {
		return fmt.Errorf("goose to %d: %w", version, err)
	}
	return nil
}

func logResults(ctx context.Context, logg *logger.Logger, results []*goose.MigrationResult) {
	if logg == nil {
		return
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		logg.Info(logg.WithFields(ctx, map[string]any{
			"version":     r.Source.Version,
			"direction":   r.Direction,
			"duration_ms": r.Duration.Milliseconds(),
		}), "migration applied")
	}
}
