package usage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// PurchaseRequest identifies a store purchase to verify.
type PurchaseRequest struct {
	DeviceID  string
	Token     string
	ProductID string
}

// PurchaseVerifier checks a purchase token with the payment provider.
// A rejected purchase is (false, nil); an error means verification could not
// be completed.
type PurchaseVerifier interface {
	Verify(ctx context.Context, req PurchaseRequest) (bool, error)
}

// NoopVerifier accepts every purchase token. It exists for development and
// is not safe in production: anyone can mint premium with a made-up token.
type NoopVerifier struct {
	logger zerolog.Logger
}

// NewNoopVerifier creates a verifier that trusts every token.
func NewNoopVerifier(logger zerolog.Logger) *NoopVerifier {
	return &NoopVerifier{logger: logger.With().Str("component", "purchase-verifier").Logger()}
}

// Verify implements PurchaseVerifier.
func (v *NoopVerifier) Verify(_ context.Context, req PurchaseRequest) (bool, error) {
	v.logger.Warn().
		Str("device_id", req.DeviceID).
		Str("product_id", req.ProductID).
		Msg("Purchase token accepted without verification")
	return true, nil
}

// GooglePlayConfig configures the Google Play verifier.
type GooglePlayConfig struct {
	PackageName          string
	CredentialsFile      string
	SubscriptionProducts []string
	Timeout              time.Duration
}

// GooglePlayVerifier checks purchases with the Google Play Developer API.
// One-time products must be in the purchased state; subscriptions must be
// active with an expiry in the future.
type GooglePlayVerifier struct {
	service       *androidpublisher.Service
	packageName   string
	subscriptions map[string]bool
	timeout       time.Duration
	clock         Clock
	logger        zerolog.Logger
}

// NewGooglePlayVerifier creates a verifier. Extra client options are
// appended after the credentials option.
func NewGooglePlayVerifier(ctx context.Context, cfg GooglePlayConfig, clock Clock, logger zerolog.Logger, opts ...option.ClientOption) (*GooglePlayVerifier, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("google play package name is required")
	}

	clientOpts := []option.ClientOption{option.WithScopes(androidpublisher.AndroidpublisherScope)}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := androidpublisher.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create android publisher client: %w", err)
	}

	subscriptions := make(map[string]bool, len(cfg.SubscriptionProducts))
	for _, product := range cfg.SubscriptionProducts {
		subscriptions[product] = true
	}

	if clock == nil {
		clock = RealClock{}
	}

	return &GooglePlayVerifier{
		service:       service,
		packageName:   cfg.PackageName,
		subscriptions: subscriptions,
		timeout:       cfg.Timeout,
		clock:         clock,
		logger:        logger.With().Str("component", "purchase-verifier").Logger(),
	}, nil
}

// Verify implements PurchaseVerifier.
func (v *GooglePlayVerifier) Verify(ctx context.Context, req PurchaseRequest) (bool, error) {
	if req.Token == "" {
		return false, nil
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var (
		ok  bool
		err error
	)
	if v.subscriptions[req.ProductID] {
		ok, err = v.verifySubscription(ctx, req)
	} else {
		ok, err = v.verifyProduct(ctx, req)
	}

	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && isRejection(apiErr.Code) {
			v.logger.Info().
				Str("device_id", req.DeviceID).
				Str("product_id", req.ProductID).
				Int("status", apiErr.Code).
				Msg("Google Play rejected purchase token")
			return false, nil
		}
		return false, fmt.Errorf("google play verification: %w", err)
	}

	v.logger.Debug().
		Str("device_id", req.DeviceID).
		Str("product_id", req.ProductID).
		Bool("valid", ok).
		Msg("Verified purchase with Google Play")

	return ok, nil
}

func (v *GooglePlayVerifier) verifyProduct(ctx context.Context, req PurchaseRequest) (bool, error) {
	purchase, err := v.service.Purchases.Products.Get(v.packageName, req.ProductID, req.Token).Context(ctx).Do()
	if err != nil {
		return false, err
	}
	// 0 = purchased, 1 = canceled, 2 = pending
	return purchase.PurchaseState == 0, nil
}

func (v *GooglePlayVerifier) verifySubscription(ctx context.Context, req PurchaseRequest) (bool, error) {
	sub, err := v.service.Purchases.Subscriptionsv2.Get(v.packageName, req.Token).Context(ctx).Do()
	if err != nil {
		return false, err
	}

	switch sub.SubscriptionState {
	case "SUBSCRIPTION_STATE_ACTIVE", "SUBSCRIPTION_STATE_IN_GRACE_PERIOD":
	default:
		return false, nil
	}

	now := v.clock.Now()
	for _, item := range sub.LineItems {
		if item == nil || item.ProductId != req.ProductID {
			continue
		}
		expiry, err := time.Parse(time.RFC3339Nano, item.ExpiryTime)
		if err != nil {
			continue
		}
		if expiry.After(now) {
			return true, nil
		}
	}
	return false, nil
}

// isRejection reports whether an API status means the token itself is bad.
func isRejection(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
