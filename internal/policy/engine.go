package policy

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/orbisapp/quotad/internal/policy/opa"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rule every quota policy must define.
const DecisionQuery = "data.quotad.quota.decision"

//go:embed policies/*.rego
var embeddedPolicies embed.FS

// DefaultPolicies returns the built-in quota policy modules.
func DefaultPolicies() fs.FS {
	sub, err := fs.Sub(embeddedPolicies, "policies")
	if err != nil {
		// The embed pattern guarantees the directory exists
		panic(err)
	}
	return sub
}

// Engine decides quota questions by gathering facts and calling OPA.
// It implements usage.Decider.
type Engine struct {
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a policy engine. An empty policyDir uses the embedded
// default policy, which matches usage.PrecedenceDecider.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	opaConfig := opa.Config{
		Source:   opa.SourceEmbedded,
		Embedded: DefaultPolicies(),
		Query:    DecisionQuery,
	}
	if policyDir != "" {
		opaConfig.Source = opa.SourceFilesystem
		opaConfig.PolicyDir = policyDir
	}

	opaEngine, err := opa.NewEngine(opaConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	logger.Info().
		Str("opa_source", opaConfig.Source).
		Msg("Quota policy engine initialized")

	return &Engine{
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Decide implements usage.Decider
func (e *Engine) Decide(ctx context.Context, input usage.DecisionInput) (*usage.Decision, error) {
	facts := map[string]interface{}{
		"is_admin":   input.IsAdmin,
		"is_premium": input.IsPremium,
		"remaining":  input.Remaining,
		"feature":    input.Feature,
	}

	var decision usage.Decision
	if err := e.opaEngine.Eval(ctx, facts, &decision); err != nil {
		return nil, err
	}

	switch decision.Reason {
	case "":
		return nil, fmt.Errorf("policy decision has no reason")
	case usage.ReasonLimitReached:
		if decision.Allowed {
			return nil, fmt.Errorf("policy allowed a limit_reached decision")
		}
	}

	return &decision, nil
}

// Reload re-reads the policy modules. The previous policy stays active when
// the new one fails to compile.
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}
