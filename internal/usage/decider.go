package usage

import "context"

// Decider turns a device's quota state into a Decision.
type Decider interface {
	Decide(ctx context.Context, input DecisionInput) (*Decision, error)
}

// PrecedenceDecider applies the fixed precedence admin, premium, free quota,
// then limit reached. The first match wins.
type PrecedenceDecider struct{}

// Decide implements Decider. It never returns an error.
func (PrecedenceDecider) Decide(_ context.Context, input DecisionInput) (*Decision, error) {
	return decide(input), nil
}

func decide(input DecisionInput) *Decision {
	switch {
	case input.IsAdmin:
		return &Decision{Allowed: true, Reason: ReasonAdmin, Remaining: Unlimited(), ShowAds: false}
	case input.IsPremium:
		return &Decision{Allowed: true, Reason: ReasonPremium, Remaining: Unlimited(), ShowAds: false}
	case input.Remaining > 0:
		return &Decision{Allowed: true, Reason: ReasonFreeQuota, Remaining: Count(input.Remaining), ShowAds: true}
	default:
		return &Decision{
			Allowed:   false,
			Reason:    ReasonLimitReached,
			Message:   LimitReachedMessage,
			Remaining: Count(0),
			ShowAds:   true,
		}
	}
}
