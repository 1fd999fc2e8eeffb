package enrich

import (
	"strings"

	"github.com/apexrules/apex/internal/domain"
)

// evalConditionGroup evaluates an AND/OR tree of leaf conditions against
// the accumulated object. An empty AND group is vacuously true, an empty
// OR group false.
func (p *Processor) evalConditionGroup(group domain.ConditionGroup, vars map[string]any) (bool, error) {
	or := strings.EqualFold(group.Operator, "OR")

	if len(group.Rules) == 0 && len(group.Groups) == 0 {
		return !or, nil
	}

	for _, rule := range group.Rules {
		ok, err := p.evaluator.EvalBoolString(rule.Condition, vars)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}

	for _, sub := range group.Groups {
		ok, err := p.evalConditionGroup(sub, vars)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}

	return !or, nil
}

// getField navigates dotted paths through nested maps.
func getField(obj map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// cloneObject copies the top level of a target object. Enrichments only
// assign top-level fields, so a shallow copy keeps runs idempotent.
func cloneObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj)+4)
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// withValue produces the variable bindings for a transformation
// expression: the accumulated object plus the source value bound as
// "value".
func withValue(vars map[string]any, value any) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["value"] = value
	return out
}
