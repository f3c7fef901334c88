package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbisapp/quotad/internal/api"
	"github.com/orbisapp/quotad/internal/config"
	"github.com/orbisapp/quotad/internal/metrics"
	"github.com/orbisapp/quotad/internal/systemd"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quotad server",
	Long:  `Start the HTTP API, the retention scheduler and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting quotad")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	tracker, policyEngine, err := newTracker(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Int64("free_daily_limit", tracker.DailyLimit()).
		Str("policy_engine", cfg.Policy.Engine).
		Str("purchase_verifier", cfg.Purchases.Verifier).
		Msg("Usage Tracker initialized")

	// Retention is optional; zero days keeps all history
	var retention *usage.RetentionScheduler
	if cfg.Usage.RetentionDays > 0 {
		retention, err = usage.NewRetentionScheduler(
			store.Usage(),
			cfg.Usage.RetentionDays,
			cfg.Usage.RetentionSchedule,
			usage.RealClock{},
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
		retention.Start()
	}

	pushService, err := newPushService(ctx, cfg.Push, store, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("provider", cfg.Push.Provider).Msg("Push relay initialized")

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer, err := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		AdminToken:     cfg.Server.AdminToken,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		ReadTimeout:    config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:   config.ParseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		TrustedProxies: cfg.Server.TrustedProxies,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, tracker, pushService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || (sdListeners.Activated && sdListeners.Metrics != nil) {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiAddr).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("quotad startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	go systemd.RunWatchdog(ctx, func(err error) {
		logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			if policyEngine == nil {
				logger.Info().Msg("SIGHUP received, no policy engine to reload")
				continue
			}

			logger.Info().Msg("SIGHUP received, reloading policies...")
			_ = systemd.NotifyReloading()
			if err := policyEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				logger.Info().Msg("Policies reloaded successfully")
			}
			_ = systemd.NotifyReady()
			continue
		}

		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if retention != nil {
		retention.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("quotad stopped")

	return nil
}
