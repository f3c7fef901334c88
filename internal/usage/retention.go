package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/orbisapp/quotad/internal/metrics"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes daily counters older than the retention window.
// Premium fields are never touched.
type RetentionScheduler struct {
	usageStore    storage.UsageStore
	retentionDays int
	schedule      string
	clock         Clock
	cron          *cron.Cron
	logger        zerolog.Logger
}

// NewRetentionScheduler creates a retention scheduler. schedule accepts
// standard five-field cron expressions and descriptors such as "@daily".
func NewRetentionScheduler(usageStore storage.UsageStore, retentionDays int, schedule string, clock Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("retention days must be at least 1, got %d", retentionDays)
	}
	if clock == nil {
		clock = RealClock{}
	}

	rs := &RetentionScheduler{
		usageStore:    usageStore,
		retentionDays: retentionDays,
		schedule:      schedule,
		clock:         clock,
		cron:          cron.New(),
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
	}

	if _, err := rs.cron.AddFunc(schedule, rs.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	return rs, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	rs.cron.Start()
	rs.logger.Info().
		Str("schedule", rs.schedule).
		Int("retention_days", rs.retentionDays).
		Msg("Usage retention scheduler started")
}

// Stop stops the scheduler and waits for a running prune to finish
func (rs *RetentionScheduler) Stop() {
	<-rs.cron.Stop().Done()
	rs.logger.Info().Msg("Usage retention scheduler stopped")
}

// Cutoff returns the oldest date key that is kept.
func (rs *RetentionScheduler) Cutoff() string {
	return rs.clock.Now().AddDate(0, 0, -rs.retentionDays).Format(storage.DateLayout)
}

// RunOnce prunes immediately and reports how many counters were removed.
func (rs *RetentionScheduler) RunOnce(ctx context.Context) (int, error) {
	cutoff := rs.Cutoff()

	removed, err := rs.usageStore.PruneUsageBefore(ctx, cutoff)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("prune_usage").Inc()
		return 0, fmt.Errorf("failed to prune usage before %s: %w", cutoff, err)
	}

	metrics.RetentionPruned.Add(float64(removed))
	rs.logger.Info().
		Int("counters_deleted", removed).
		Str("cutoff_date", cutoff).
		Msg("Old usage counters cleaned up")

	return removed, nil
}

func (rs *RetentionScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := rs.RunOnce(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("Usage retention run failed")
	}
}
