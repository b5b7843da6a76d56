package classify

import (
	"fmt"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	jsoniter "github.com/json-iterator/go"

	"github.com/harborline/snapstore/snapshot"
)

// programCache stores compiled expression programs keyed by expression.
// Rules for the same expression share one compilation.
var programCache sync.Map

// NewExprRule builds a Rule whose predicate is an expr-lang expression.
// The expression sees the snapshot's decoded data plus id, category,
// version, metadata and the store config, e.g.:
//
//	data.done == true && category != "archived"
//
// The expression is compiled once; a non-boolean result never matches.
func NewExprRule(label, expression string) (Rule, error) {
	if expression == "" {
		return Rule{}, fmt.Errorf("expression must not be empty")
	}
	program, err := loadOrCompile(expression)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Label: label,
		Match: func(snap *snapshot.Snapshot, cfg snapshot.StoreConfig) bool {
			result, runErr := exprlang.Run(program, exprEnv(snap, cfg))
			if runErr != nil {
				return false
			}
			matched, ok := result.(bool)
			return ok && matched
		},
	}, nil
}

// CompilePredicate compiles an expression into a standalone predicate,
// used by criteria filtering.
func CompilePredicate(expression string) (func(*snapshot.Snapshot, snapshot.StoreConfig) (bool, error), error) {
	program, err := loadOrCompile(expression)
	if err != nil {
		return nil, err
	}
	return func(snap *snapshot.Snapshot, cfg snapshot.StoreConfig) (bool, error) {
		result, runErr := exprlang.Run(program, exprEnv(snap, cfg))
		if runErr != nil {
			return false, runErr
		}
		matched, ok := result.(bool)
		if !ok {
			return false, fmt.Errorf("expression %q did not evaluate to a boolean", expression)
		}
		return matched, nil
	}, nil
}

func loadOrCompile(expression string) (*exprvm.Program, error) {
	if cached, ok := programCache.Load(expression); ok {
		if program, ok := cached.(*exprvm.Program); ok {
			return program, nil
		}
	}
	program, err := exprlang.Compile(
		expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile rule expression %q: %w", expression, err)
	}
	programCache.Store(expression, program)
	return program, nil
}

func exprEnv(snap *snapshot.Snapshot, cfg snapshot.StoreConfig) map[string]any {
	env := map[string]any{
		"id":       "",
		"category": "",
		"version":  uint64(0),
		"data":     map[string]any{},
		"metadata": map[string]any{},
		"config": map[string]any{
			"cacheKey": cfg.CacheKey,
			"enabled":  cfg.Enabled,
		},
	}
	if snap == nil {
		return env
	}
	env["id"] = snap.ID
	env["category"] = snap.Category
	env["version"] = snap.Version
	if snap.Metadata != nil {
		env["metadata"] = snap.Metadata
	}
	var data map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(snap.Data, &data); err == nil && data != nil {
		env["data"] = data
	}
	return env
}
