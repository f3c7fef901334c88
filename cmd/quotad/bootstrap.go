package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/orbisapp/quotad/internal/config"
	"github.com/orbisapp/quotad/internal/policy"
	"github.com/orbisapp/quotad/internal/push"
	"github.com/orbisapp/quotad/internal/push/fcm"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/orbisapp/quotad/internal/storage/bolt"
	"github.com/orbisapp/quotad/internal/storage/file"
	"github.com/orbisapp/quotad/internal/storage/redis"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/rs/zerolog"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "file":
		return file.Open(cfg.Path, cfg.TokensPath)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// newTracker builds the tracker with its decider and purchase verifier. The
// returned policy engine is nil unless the OPA engine is configured.
func newTracker(ctx context.Context, cfg *config.Config, store storage.Store, logger zerolog.Logger) (*usage.Tracker, *policy.Engine, error) {
	admins := usage.ParseAdminSet(cfg.Usage.AdminEmails)
	if admins.Len() == 0 {
		logger.Warn().Msg("No admin emails configured")
	}

	var decider usage.Decider = usage.PrecedenceDecider{}
	var policyEngine *policy.Engine
	if cfg.Policy.Engine == "opa" {
		engine, err := policy.NewEngine(cfg.Policy.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		decider = engine
		policyEngine = engine
	}

	var verifier usage.PurchaseVerifier
	switch cfg.Purchases.Verifier {
	case "google_play":
		v, err := usage.NewGooglePlayVerifier(ctx, usage.GooglePlayConfig{
			PackageName:          cfg.Purchases.PackageName,
			CredentialsFile:      cfg.Purchases.CredentialsFile,
			SubscriptionProducts: cfg.Purchases.SubscriptionProducts,
			Timeout:              config.ParseDuration(cfg.Purchases.Timeout, 10*time.Second),
		}, usage.RealClock{}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize purchase verifier: %w", err)
		}
		verifier = v
	default:
		verifier = usage.NewNoopVerifier(logger)
	}

	tracker := usage.NewTracker(store.Usage(), usage.Config{
		FreeDailyLimit: cfg.Usage.FreeDailyLimit,
		Admins:         admins,
		Decider:        decider,
		Verifier:       verifier,
		DefaultFeature: cfg.Usage.DefaultFeature,
	}, logger)

	return tracker, policyEngine, nil
}

func newPushService(ctx context.Context, cfg config.PushConfig, store storage.Store, logger zerolog.Logger) (*push.Service, error) {
	var provider push.Provider
	switch cfg.Provider {
	case "fcm":
		client, err := fcm.New(ctx, fcm.Config{
			ProjectID:       cfg.ProjectID,
			CredentialsFile: cfg.CredentialsFile,
			Timeout:         config.ParseDuration(cfg.RequestTimeout, 10*time.Second),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize FCM provider: %w", err)
		}
		provider = client
	default:
		provider = push.NewLogProvider(logger)
	}

	return push.NewService(provider, store.Tokens(), push.Config{
		SubscriptionCacheSize: cfg.SubscriptionCacheSize,
		SubscriptionCacheTTL:  config.ParseDuration(cfg.SubscriptionCacheTTL, 0),
	}, logger), nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot commands so their output stays readable.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
