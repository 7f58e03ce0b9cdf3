package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	//nolint:staticcheck // v0 import paths until the OPA v1 upgrade
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // v0 import paths until the OPA v1 upgrade
	"github.com/open-policy-agent/opa/rego"
)

const DefaultEntrypoint = "tokenswipe/swap/deny"

// EngineOptions select the deny set and the modules that define it.
type EngineOptions struct {
	// Entrypoint is the slash-separated path of the deny set.
	Entrypoint string
	// Modules maps file names to Rego v1 source.
	Modules map[string]string
}

// Engine evaluates one deny set. The query is compiled once at construction
// and is safe for concurrent use.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the deny set. Parse and compile errors are returned here,
// never at evaluation time.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = DefaultEntrypoint
	}

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range slices.Sorted(maps.Keys(opts.Modules)) {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	query, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile deny set %s: %w", entry, err)
	}
	return &Engine{query: query}, nil
}

// Deny returns the sorted deny messages produced for input. An undefined deny
// set counts as empty.
func (e *Engine) Deny(ctx context.Context, input map[string]any) ([]string, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate deny set: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("deny set is %T, want a set", rs[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(set))
	for _, v := range set {
		if s, ok := v.(string); ok {
			reasons = append(reasons, s)
			continue
		}
		reasons = append(reasons, fmt.Sprint(v))
	}
	slices.Sort(reasons)
	return reasons, nil
}
