package opa

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const (
	SourceEmbedded   = "embedded"
	SourceFilesystem = "filesystem"
)

// Config selects where policy modules come from
type Config struct {
	Source    string // "embedded" or "filesystem"
	PolicyDir string // Directory of .rego files when Source is "filesystem"
	Embedded  fs.FS  // Modules used when Source is "embedded"
	Query     string // Fully qualified rule, e.g. data.quotad.quota.decision
}

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules []string
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	if config.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if config.Source == "" {
		config.Source = SourceEmbedded
	}

	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	e.logger.Info().
		Str("source", config.Source).
		Str("policy_dir", config.PolicyDir).
		Strs("modules", e.Modules()).
		Msg("OPA engine initialized")

	return e, nil
}

func (e *Engine) source() (fs.FS, error) {
	switch e.config.Source {
	case SourceEmbedded:
		if e.config.Embedded == nil {
			return nil, fmt.Errorf("no embedded policies configured")
		}
		return e.config.Embedded, nil
	case SourceFilesystem:
		if e.config.PolicyDir == "" {
			return nil, fmt.Errorf("policy directory is required for filesystem source")
		}
		return os.DirFS(e.config.PolicyDir), nil
	default:
		return nil, fmt.Errorf("unknown policy source: %s", e.config.Source)
	}
}

// load parses every .rego module and prepares the query. The previous query
// stays in place when anything fails.
func (e *Engine) load() error {
	fsys, err := e.source()
	if err != nil {
		return err
	}

	files, err := fs.Glob(fsys, "*.rego")
	if err != nil {
		return fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no policy files found in %s source", e.config.Source)
	}
	sort.Strings(files)

	opts := []func(*rego.Rego){rego.Query(e.config.Query)}
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		// Parse up front for a precise error message
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")

		opts = append(opts, rego.Module(file, string(content)))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare query %s: %w", e.config.Query, err)
	}

	e.mu.Lock()
	e.query = query
	e.modules = files
	e.mu.Unlock()

	return nil
}

// Modules returns the loaded module file names
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.modules...)
}

// Eval evaluates the query against input and decodes the single result into out
func (e *Engine) Eval(ctx context.Context, input map[string]interface{}, out interface{}) error {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Query evaluated")

	if len(results) == 0 {
		return fmt.Errorf("no results from query %s", e.config.Query)
	}
	if len(results[0].Expressions) == 0 {
		return fmt.Errorf("no expressions in query result")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return fmt.Errorf("failed to marshal query result: %w", err)
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal query result: %w", err)
	}

	return nil
}

// Reload reloads all policies. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Strs("modules", e.Modules()).Msg("OPA policies reloaded successfully")
	return nil
}
