package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"stockpos/internal/config"
	"stockpos/internal/domain"
	"stockpos/internal/logger"
	"stockpos/internal/service"
	"stockpos/internal/store"
	"stockpos/internal/store/memory"
	mongostore "stockpos/internal/store/mongo"
	pgstore "stockpos/internal/store/postgres"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// boot loads configuration and the process logger. Every command starts here.
func boot() (config.Config, zerolog.Logger, error) {
	cfg := config.Load()
	log := logger.New(logger.Config{Env: cfg.Env, Level: cfg.LogLevel})
	if err := validateSecurityConfig(cfg); err != nil {
		return cfg, log, fmt.Errorf("invalid security configuration: %w", err)
	}
	return cfg, log, nil
}

// openStore connects the configured backend. The returned closer is never nil.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Repository, func() error, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("STORE_DRIVER=postgres needs DATABASE_URL")
		}
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		log.Info().Str("driver", cfg.StoreDriver).Msg("repository ready")
		return pg, pg.Close, nil
	case config.DriverMongo:
		if cfg.MongoURI == "" {
			return nil, nil, fmt.Errorf("STORE_DRIVER=mongo needs MONGO_URI")
		}
		mg, err := mongostore.New(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo unavailable: %w", err)
		}
		log.Info().Str("driver", cfg.StoreDriver).Str("database", cfg.MongoDatabase).Msg("repository ready")
		return mg, mg.Close, nil
	case config.DriverMemory:
		log.Warn().Msg("repository: in-memory demo data, nothing survives a restart")
		return memory.NewSeeded(cfg.ShopID), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// ensureOwner creates the first owner account of the shop when it has none and
// SEED_OWNER_PASSWORD is set.
func ensureOwner(ctx context.Context, repo store.Repository, shopID string, log zerolog.Logger) error {
	users, err := repo.ListUsers(ctx, shopID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Role == domain.RoleOwner {
			return nil
		}
	}

	password := os.Getenv("SEED_OWNER_PASSWORD")
	if password == "" {
		log.Warn().Str("shop", shopID).Msg("shop has no owner; set SEED_OWNER_PASSWORD and rerun migrate")
		return nil
	}
	hash, err := service.NewBcryptVerifier(repo).Hash(password)
	if err != nil {
		return err
	}
	username := os.Getenv("SEED_OWNER_USERNAME")
	if username == "" {
		username = "owner"
	}
	owner, err := repo.CreateUser(ctx, domain.User{
		ShopID:       shopID,
		Name:         "Shop Owner",
		Username:     username,
		PasswordHash: hash,
		Role:         domain.RoleOwner,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create owner: %w", err)
	}
	log.Info().Str("shop", shopID).Str("username", owner.Username).Msg("owner account created")
	return nil
}

// systemActor lets operator commands pass the service role checks.
func systemActor(shopID string) domain.Actor {
	return domain.Actor{UserID: "system", Username: "system", Role: domain.RoleOwner, ShopID: shopID}
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.AuthSecret != "" && len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 characters")
	}
	if !cfg.IsProduction() {
		return nil
	}
	if cfg.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET must be set in production")
	}
	if cfg.StoreDriver == config.DriverMemory {
		return fmt.Errorf("the memory store cannot run in production")
	}
	if cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a single origin in production")
	}
	return nil
}
