package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orbisapp/quotad/internal/metrics"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/rs/zerolog"
)

// Tracker gates a premium feature behind a per-device daily free quota.
//
// Every mutation is a single UsageStore.Update, so concurrent calls for the
// same device never lose increments. CanUseFeature followed by RecordUsage
// is still two separate steps: another request may consume the last free
// use in between. Consume decides and increments in one step.
type Tracker struct {
	usageStore storage.UsageStore
	limit      int64
	admins     AdminSet
	clock      Clock
	decider    Decider
	verifier   PurchaseVerifier
	catalog    Catalog
	feature    string
	logger     zerolog.Logger
}

// Config holds tracker configuration
type Config struct {
	FreeDailyLimit int
	Admins         AdminSet
	Clock          Clock
	Decider        Decider
	Verifier       PurchaseVerifier
	Catalog        Catalog
	DefaultFeature string // Used when a call names no feature
}

// NewTracker creates a new usage tracker
func NewTracker(usageStore storage.UsageStore, config Config, logger zerolog.Logger) *Tracker {
	if config.FreeDailyLimit == 0 {
		config.FreeDailyLimit = DefaultFreeDailyLimit
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if config.Decider == nil {
		config.Decider = PrecedenceDecider{}
	}
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.DefaultFeature == "" {
		config.DefaultFeature = DefaultFeature
	}

	t := &Tracker{
		usageStore: usageStore,
		limit:      int64(config.FreeDailyLimit),
		admins:     config.Admins,
		clock:      config.Clock,
		decider:    config.Decider,
		verifier:   config.Verifier,
		catalog:    config.Catalog,
		feature:    config.DefaultFeature,
		logger:     logger.With().Str("component", "usage-tracker").Logger(),
	}
	if t.verifier == nil {
		t.verifier = NewNoopVerifier(logger)
	}

	return t
}

// DailyLimit returns the free uses per day.
func (t *Tracker) DailyLimit() int64 {
	return t.limit
}

// GetUsage returns the device's usage snapshot. This is a get-or-create: an
// unknown device is persisted with an empty record before the snapshot is
// computed, so the call writes to storage on first contact.
func (t *Tracker) GetUsage(ctx context.Context, deviceID, email string) (*Snapshot, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	rec, err := t.usageStore.Get(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = t.usageStore.Update(ctx, deviceID, func(*storage.DeviceRecord) error { return nil })
		if err == nil {
			t.logger.Info().Str("device_id", deviceID).Msg("Provisioned new device")
		}
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("get_usage").Inc()
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}

	return t.snapshot(rec, t.admins.Contains(email), t.clock.Now()), nil
}

// CanUseFeature decides whether the device may use feature now. It does not
// consume quota; an empty feature means DefaultFeature.
func (t *Tracker) CanUseFeature(ctx context.Context, deviceID, feature, email string) (*Decision, error) {
	feature = t.featureOrDefault(feature)

	snap, err := t.GetUsage(ctx, deviceID, email)
	if err != nil {
		return nil, err
	}

	decision := t.decide(ctx, snap, feature)

	t.logger.Debug().
		Str("device_id", deviceID).
		Str("feature", feature).
		Str("reason", string(decision.Reason)).
		Bool("allowed", decision.Allowed).
		Msg("Quota checked")

	return decision, nil
}

// RecordUsage counts one use of feature for today unless the device is admin
// or premium, whose counters stay frozen. It returns the snapshot after the
// increment.
func (t *Tracker) RecordUsage(ctx context.Context, deviceID, feature, email string) (*Snapshot, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}
	feature = t.featureOrDefault(feature)

	isAdmin := t.admins.Contains(email)
	now := t.clock.Now()
	today := now.Format(storage.DateLayout)

	counted := false
	rec, err := t.usageStore.Update(ctx, deviceID, func(rec *storage.DeviceRecord) error {
		counted = false
		if _, ok := rec.Usage[today]; !ok {
			rec.Usage[today] = 0
		}
		if !isAdmin && !rec.PremiumActive(now) {
			rec.Usage[today]++
			counted = true
		}
		return nil
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("record_usage").Inc()
		return nil, fmt.Errorf("failed to record usage for %s: %w", deviceID, err)
	}

	if counted {
		metrics.UsageRecorded.WithLabelValues(feature).Inc()
	}

	snap := t.snapshot(rec, isAdmin, now)

	t.logger.Debug().
		Str("device_id", deviceID).
		Str("feature", feature).
		Bool("counted", counted).
		Int64("today_usage", snap.TodayUsage).
		Msg("Usage recorded")

	return snap, nil
}

// Consume decides and, when the device is on its free quota, counts the use
// in one storage transaction. The decision reflects the state before the
// use; the snapshot reflects the state after it.
func (t *Tracker) Consume(ctx context.Context, deviceID, feature, email string) (*Decision, *Snapshot, error) {
	if deviceID == "" {
		return nil, nil, ErrInvalidDevice
	}
	feature = t.featureOrDefault(feature)

	isAdmin := t.admins.Contains(email)
	now := t.clock.Now()
	today := now.Format(storage.DateLayout)

	var (
		decision   *Decision
		deciderErr error
	)
	counted := false
	rec, err := t.usageStore.Update(ctx, deviceID, func(rec *storage.DeviceRecord) error {
		counted = false
		before := t.snapshot(rec, isAdmin, now)
		decision, deciderErr = t.evaluate(ctx, before, feature)
		if decision.Allowed && !before.IsPremium {
			rec.Usage[today]++
			counted = true
		}
		return nil
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("consume").Inc()
		return nil, nil, fmt.Errorf("failed to consume quota for %s: %w", deviceID, err)
	}

	// The update may run the closure more than once; count the final decision only.
	t.observe(deviceID, decision, deciderErr)

	if counted {
		metrics.UsageRecorded.WithLabelValues(feature).Inc()
	}

	snap := t.snapshot(rec, isAdmin, now)

	t.logger.Debug().
		Str("device_id", deviceID).
		Str("feature", feature).
		Str("reason", string(decision.Reason)).
		Bool("counted", counted).
		Msg("Quota consumed")

	return decision, snap, nil
}

// GrantPremium opens a premium window of durationDays from now. Any integer
// is accepted; zero or negative days produce a grant that has already expired.
func (t *Tracker) GrantPremium(ctx context.Context, deviceID string, durationDays int) (*Receipt, error) {
	return t.grant(ctx, deviceID, durationDays, "admin")
}

// VerifyPurchase grants the catalog duration of productID once the purchase
// verifier accepts the token. Unknown products and rejected purchases are
// reported in the receipt, not as errors.
func (t *Tracker) VerifyPurchase(ctx context.Context, deviceID, purchaseToken, productID string) (*Receipt, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	days, ok := t.catalog.Days(productID)
	if !ok {
		metrics.PurchaseRejections.WithLabelValues("invalid_product").Inc()
		t.logger.Warn().
			Str("device_id", deviceID).
			Str("product_id", productID).
			Msg("Purchase for unknown product")
		return &Receipt{Success: false, Error: ErrorInvalidProduct}, nil
	}

	valid, err := t.verifier.Verify(ctx, PurchaseRequest{
		DeviceID:  deviceID,
		Token:     purchaseToken,
		ProductID: productID,
	})
	if err != nil {
		metrics.PurchaseRejections.WithLabelValues("verifier_error").Inc()
		return nil, fmt.Errorf("failed to verify purchase: %w", err)
	}
	if !valid {
		metrics.PurchaseRejections.WithLabelValues("not_verified").Inc()
		t.logger.Warn().
			Str("device_id", deviceID).
			Str("product_id", productID).
			Msg("Purchase not verified")
		return &Receipt{Success: false, Error: ErrorNotVerified}, nil
	}

	receipt, err := t.grant(ctx, deviceID, days, productID)
	if err != nil {
		return nil, err
	}
	receipt.ProductID = productID
	return receipt, nil
}

func (t *Tracker) grant(ctx context.Context, deviceID string, durationDays int, source string) (*Receipt, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}

	until := t.clock.Now().AddDate(0, 0, durationDays)
	_, err := t.usageStore.Update(ctx, deviceID, func(rec *storage.DeviceRecord) error {
		rec.Premium = true
		rec.PremiumUntil = storage.NewTimestamp(until)
		return nil
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("grant_premium").Inc()
		return nil, fmt.Errorf("failed to grant premium to %s: %w", deviceID, err)
	}

	metrics.PremiumGrants.WithLabelValues(source).Inc()
	t.logger.Info().
		Str("device_id", deviceID).
		Str("source", source).
		Int("days", durationDays).
		Time("premium_until", until).
		Msg("Premium granted")

	return &Receipt{Success: true, PremiumUntil: storage.NewTimestamp(until).String()}, nil
}

// decide asks the configured decider and falls back to the built-in
// precedence when it fails.
func (t *Tracker) decide(ctx context.Context, snap *Snapshot, feature string) *Decision {
	decision, err := t.evaluate(ctx, snap, feature)
	t.observe(snap.DeviceID, decision, err)
	return decision
}

// evaluate has no side effects. The returned decision is never nil; a
// non-nil error means the built-in precedence replaced a failed decider.
func (t *Tracker) evaluate(ctx context.Context, snap *Snapshot, feature string) (*Decision, error) {
	input := DecisionInput{
		IsAdmin:   snap.IsAdmin,
		IsPremium: snap.IsPremium,
		Remaining: snap.Remaining.Count,
		Feature:   feature,
	}

	decision, err := t.decider.Decide(ctx, input)
	if err == nil && decision == nil {
		err = errors.New("decider returned no decision")
	}
	if err != nil {
		return decide(input), err
	}
	return decision, nil
}

func (t *Tracker) observe(deviceID string, decision *Decision, deciderErr error) {
	if deciderErr != nil {
		metrics.PolicyFallbacks.Inc()
		t.logger.Error().Err(deciderErr).Str("device_id", deviceID).Msg("Decider failed, using built-in precedence")
	}
	metrics.QuotaDecisions.WithLabelValues(string(decision.Reason)).Inc()
}

func (t *Tracker) snapshot(rec *storage.DeviceRecord, isAdmin bool, now time.Time) *Snapshot {
	todayUsage := rec.UsageOn(now.Format(storage.DateLayout))
	isPremium := isAdmin || rec.PremiumActive(now)

	snap := &Snapshot{
		DeviceID:   rec.DeviceID,
		TodayUsage: todayUsage,
		DailyLimit: t.limit,
		IsPremium:  isPremium,
		IsAdmin:    isAdmin,
		ShowAds:    !isPremium,
	}

	if isPremium {
		snap.Remaining = Unlimited()
	} else {
		snap.Remaining = Count(max(0, t.limit-todayUsage))
	}

	switch {
	case isAdmin:
		lifetime := PremiumLifetime
		snap.PremiumUntil = &lifetime
	case rec.PremiumUntil != nil:
		until := rec.PremiumUntil.String()
		snap.PremiumUntil = &until
	}

	return snap
}

func (t *Tracker) featureOrDefault(feature string) string {
	if feature == "" {
		return t.feature
	}
	return feature
}
