// Package expr provides the CEL-backed expression compiler and evaluator.
package expr

import (
	"container/list"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// Evaluator compiles expression strings into executable programs and
// caches them by exact source text in a bounded LRU map.
//
// Expressions are parsed without type-checking so that identifiers bind
// late against the per-call variable map, the way a dynamic rule context
// requires. Missing variables surface as evaluation errors, not compile
// errors.
type Evaluator struct {
	mu      sync.Mutex
	env     *cel.Env
	maxSize int
	items   map[string]*list.Element
	order   *list.List

	hits   int64
	misses int64
}

// CompiledExpression is a ready-to-run program plus static metadata.
type CompiledExpression struct {
	Source     string
	Complexity int
	program    cel.Program
}

// EvalError wraps an expression failure with the originating source text
// and the stage it failed in.
type EvalError struct {
	Expression string
	Stage      string // "parse" or "eval"
	Err        error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression %q: %s error: %v", e.Expression, e.Stage, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// NewEvaluator creates an evaluator with a bounded compilation cache.
func NewEvaluator(maxCacheSize int) (*Evaluator, error) {
	if maxCacheSize <= 0 {
		maxCacheSize = 10000
	}

	env, err := cel.NewEnv(
		cel.OptionalTypes(),
		ext.Strings(),
		ext.Math(),
		ext.Lists(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	return &Evaluator{
		env:     env,
		maxSize: maxCacheSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}, nil
}

// Compile returns the compiled form of source along with whether the
// compilation cache was hit. Cache keys are the exact source text,
// case-sensitive and whitespace-significant.
func (e *Evaluator) Compile(source string) (*CompiledExpression, bool, error) {
	e.mu.Lock()
	if elem, ok := e.items[source]; ok {
		e.order.MoveToFront(elem)
		e.hits++
		compiled := elem.Value.(*CompiledExpression)
		e.mu.Unlock()
		return compiled, true, nil
	}
	e.misses++
	e.mu.Unlock()

	// Parse outside the lock; compilation of the same text twice is
	// cheaper than serializing all compilations.
	ast, issues := e.env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, false, &EvalError{Expression: source, Stage: "parse", Err: issues.Err()}
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, false, &EvalError{Expression: source, Stage: "parse", Err: err}
	}

	compiled := &CompiledExpression{
		Source:     source,
		Complexity: ComplexityScore(source),
		program:    program,
	}

	e.mu.Lock()
	if elem, ok := e.items[source]; ok {
		// Lost the race; keep the first one in.
		compiled = elem.Value.(*CompiledExpression)
		e.order.MoveToFront(elem)
	} else {
		elem := e.order.PushFront(compiled)
		e.items[source] = elem
		for e.order.Len() > e.maxSize {
			oldest := e.order.Back()
			e.order.Remove(oldest)
			delete(e.items, oldest.Value.(*CompiledExpression).Source)
		}
	}
	e.mu.Unlock()

	return compiled, false, nil
}

// Evaluate runs a compiled expression against the variable bindings and
// returns a native Go value.
func (e *Evaluator) Evaluate(compiled *CompiledExpression, vars map[string]any) (any, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	out, _, err := compiled.program.Eval(vars)
	if err != nil {
		return nil, &EvalError{Expression: compiled.Source, Stage: "eval", Err: err}
	}
	return nativeValue(out)
}

// EvaluateBool runs a compiled expression expecting a boolean result.
func (e *Evaluator) EvaluateBool(compiled *CompiledExpression, vars map[string]any) (bool, error) {
	val, err := e.Evaluate(compiled, vars)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok {
		return false, &EvalError{
			Expression: compiled.Source,
			Stage:      "eval",
			Err:        fmt.Errorf("expected bool result, got %T", val),
		}
	}
	return b, nil
}

// EvalString compiles and evaluates in one call.
func (e *Evaluator) EvalString(source string, vars map[string]any) (any, error) {
	compiled, _, err := e.Compile(source)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(compiled, vars)
}

// EvalBoolString compiles and evaluates a boolean condition in one call.
func (e *Evaluator) EvalBoolString(source string, vars map[string]any) (bool, error) {
	compiled, _, err := e.Compile(source)
	if err != nil {
		return false, err
	}
	return e.EvaluateBool(compiled, vars)
}

// CacheStats returns the compilation cache counters.
func (e *Evaluator) CacheStats() (size int, hits, misses int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len(), e.hits, e.misses
}

// nativeValue converts a CEL value into plain Go types.
func nativeValue(val ref.Val) (any, error) {
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case types.Int:
		return int64(v), nil
	case types.Uint:
		return uint64(v), nil
	case types.Double:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Bytes:
		return []byte(v), nil
	case types.Null:
		return nil, nil
	}

	switch val.Type() {
	case types.ListType:
		lister := val.(traits.Lister)
		n, _ := lister.Size().Value().(int64)
		out := make([]any, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := nativeValue(lister.Get(types.Int(i)))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case types.MapType:
		mapper := val.(traits.Mapper)
		out := make(map[string]any)
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			v, found := mapper.Find(k)
			if !found {
				continue
			}
			nk := fmt.Sprintf("%v", k.Value())
			nv, err := nativeValue(v)
			if err != nil {
				return nil, err
			}
			out[nk] = nv
		}
		return out, nil
	}

	// Timestamps, durations, optionals: fall back to reflective
	// conversion.
	native, err := val.ConvertToNative(reflect.TypeOf((*any)(nil)).Elem())
	if err != nil {
		return val.Value(), nil
	}
	return native, nil
}
