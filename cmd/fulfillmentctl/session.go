package main

import (
	"context"
	"errors"
	"os"

	"github.com/joho/godotenv"

	"github.com/dvhzldn/almond-river-records-sub000/internal/bootstrap"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/db"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

// Logs go to stderr so command output stays pipeable.
func loadConfig() (*config.Config, *logger.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg.Service.Kind = "fulfillmentctl"

	logg := logger.New(logger.Options{
		ServiceName: "fulfillmentctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Output:      os.Stderr,
	})
	return cfg, logg, nil
}

type session struct {
	cfg   *config.Config
	logg  *logger.Logger
	db    *db.Client
	redis *redis.Client
}

func openSession(ctx context.Context, withRedis bool) (*session, error) {
	cfg, logg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logg: logg}

	s.db, err = db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, err
	}
	if withRedis {
		s.redis, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) stack(ctx context.Context) (*bootstrap.Stack, error) {
	if s.redis == nil {
		return nil, errors.New("session opened without redis")
	}
	return bootstrap.NewStack(ctx, bootstrap.Deps{
		Config: s.cfg,
		Logger: s.logg,
		DB:     s.db,
		Redis:  s.redis,
	})
}

func (s *session) Close() {
	ctx := context.Background()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logg.Error(ctx, "error closing redis", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logg.Error(ctx, "error closing database", err)
		}
	}
}
