package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartScheduler registers the maintenance jobs and starts the cron runner.
// The caller stops it with the returned cron's Stop.
func StartScheduler(cfg Config, db *DB, analytics *Analytics, auth *Auth, logger *zap.Logger) (*cron.Cron, error) {
	logger = logger.Named("cron")
	c := cron.New()

	if cfg.SeasonResetSpec != "" {
		if _, err := c.AddFunc(cfg.SeasonResetSpec, func() { runSeasonReset(db, logger) }); err != nil {
			return nil, err
		}
		logger.Info("season reset scheduled", zap.String("spec", cfg.SeasonResetSpec))
	}

	if cfg.AnalyticsRetention > 0 {
		if _, err := c.AddFunc("0 4 * * *", func() {
			n, err := analytics.Prune(cfg.AnalyticsRetention)
			if err != nil {
				logger.Error("analytics prune failed", zap.Error(err))
				return
			}
			logger.Info("analytics pruned", zap.Int64("rows_deleted", n))
		}); err != nil {
			return nil, err
		}
	}

	if _, err := c.AddFunc("@hourly", func() {
		if n := auth.PruneLimiters(); n > 0 {
			logger.Debug("login limiters pruned", zap.Int("ips", n))
		}
	}); err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}

func runSeasonReset(db *DB, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger.Info("season reset starting")
	n, err := db.SeasonResetAll(ctx)
	if err != nil {
		logger.Error("season reset failed", zap.Error(err))
		return
	}
	logger.Info("season reset complete", zap.Int("users_reset", n))
}
