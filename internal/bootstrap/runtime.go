// Package bootstrap wires the runtime dependencies shared by the commands.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"chatterbox/internal/cache"
	"chatterbox/internal/config"
	"chatterbox/internal/database"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// DemoScenario names a seed scenario loaded into an empty development
	// database. Empty disables it.
	DemoScenario string
}

// InitRuntime connects to DB and Redis and optionally seeds demo data.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if err := ensureDemoData(context.Background(), cfg, db, opts.DemoScenario); err != nil {
		return nil, nil, fmt.Errorf("failed to seed demo data: %w", err)
	}

	return db, r, nil
}

func ensureDemoData(ctx context.Context, cfg *config.Config, db *gorm.DB, scenario string) error {
	if scenario == "" || cfg.IsProduction() {
		return nil
	}
	var users int64
	if err := db.WithContext(ctx).Model(&models.User{}).Count(&users).Error; err != nil {
		return err
	}
	if users > 0 {
		return nil
	}

	sc, err := seed.LoadScenario(scenario)
	if err != nil {
		return err
	}
	res, err := seed.NewSeeder(db, seed.Options{SkipBcrypt: true}).ApplyScenario(ctx, sc)
	if err != nil {
		return err
	}
	middleware.Logger.InfoContext(ctx, "demo data loaded into empty database",
		slog.String("scenario", scenario),
		slog.Int("users", len(res.Users)),
	)
	return nil
}
