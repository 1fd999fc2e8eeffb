package enrich

import (
	"sort"
	"strings"

	"github.com/apexrules/apex/internal/domain"
)

// Order resolves the dependsOn partial order into an execution sequence.
// Among enrichments whose dependencies are satisfied, lower priority runs
// first, ties broken by declaration order. A reference to an unknown id
// or a dependency cycle is a ConfigurationError.
func Order(enrichments []*domain.Enrichment) ([]*domain.Enrichment, error) {
	index := make(map[string]int, len(enrichments))
	for i, e := range enrichments {
		if _, dup := index[e.ID]; dup {
			return nil, domain.NewConfigurationError(e.ID, "duplicate enrichment id")
		}
		index[e.ID] = i
	}

	indegree := make([]int, len(enrichments))
	dependents := make(map[int][]int, len(enrichments))
	for i, e := range enrichments {
		for _, dep := range e.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, domain.NewConfigurationError(e.ID, "depends on unknown enrichment %q", dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]int, 0, len(enrichments))
	for i := range enrichments {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]*domain.Enrichment, 0, len(enrichments))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(a, b int) bool {
			ea, eb := enrichments[ready[a]], enrichments[ready[b]]
			if ea.Priority != eb.Priority {
				return ea.Priority < eb.Priority
			}
			return ready[a] < ready[b]
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, enrichments[next])

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(enrichments) {
		var cyclic []string
		for i, e := range enrichments {
			if indegree[i] > 0 {
				cyclic = append(cyclic, e.ID)
			}
		}
		return nil, domain.NewConfigurationError(strings.Join(cyclic, ", "), "dependency cycle detected")
	}

	return ordered, nil
}

// ValidateConfigs checks every enrichment's payload eagerly, before any
// evaluation happens. Configuration defects are always fatal.
func ValidateConfigs(enrichments []*domain.Enrichment) error {
	for _, e := range enrichments {
		if e.ID == "" {
			return domain.NewConfigurationError("", "enrichment missing id")
		}
		if err := validatePayload(e); err != nil {
			return err
		}
	}

	_, err := Order(enrichments)
	return err
}

func validatePayload(e *domain.Enrichment) error {
	switch e.Type {
	case domain.EnrichmentLookup:
		if e.Lookup == nil {
			return domain.NewConfigurationError(e.ID, "lookup enrichment missing lookup payload")
		}
		if e.Lookup.LookupKey == "" {
			return domain.NewConfigurationError(e.ID, "lookup enrichment missing lookup-key")
		}
		if e.Lookup.Dataset == nil && e.Lookup.DatasetRef == "" {
			return domain.NewConfigurationError(e.ID, "lookup enrichment needs an inline dataset or dataset-ref")
		}
		if len(e.Lookup.FieldMappings) == 0 {
			return domain.NewConfigurationError(e.ID, "lookup enrichment missing field-mappings")
		}

	case domain.EnrichmentField:
		if len(e.FieldMappings) == 0 && len(e.ConditionalMappings) == 0 {
			return domain.NewConfigurationError(e.ID, "field enrichment needs field-mappings or conditional-mappings")
		}

	case domain.EnrichmentCalculation:
		if e.Calculation == nil || e.Calculation.Expression == "" {
			return domain.NewConfigurationError(e.ID, "calculation enrichment missing expression")
		}
		if e.Calculation.ResultField == "" {
			return domain.NewConfigurationError(e.ID, "calculation enrichment missing result-field")
		}

	case domain.EnrichmentConditionalMapping:
		if e.TargetField == "" {
			return domain.NewConfigurationError(e.ID, "conditional-mapping enrichment missing target-field")
		}
		if len(e.MappingRules) == 0 {
			return domain.NewConfigurationError(e.ID, "conditional-mapping enrichment missing mapping-rules")
		}

	default:
		return domain.NewConfigurationError(e.ID, "unknown enrichment type %q", e.Type)
	}
	return nil
}
