// Package config loads declarative rule and enrichment definitions from
// YAML documents and applies them to an engine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
)

// Document is the parsed form of a rules/enrichments YAML file. The
// engine's contract is with this structure, not the YAML syntax; any
// serialization producing the same shape is acceptable.
type Document struct {
	Rules       []*domain.Rule          `yaml:"rules"`
	Groups      []GroupSpec             `yaml:"rule-groups"`
	Enrichments []*domain.Enrichment    `yaml:"enrichments"`
	Datasets    []*domain.LookupDataset `yaml:"datasets"`
}

// GroupSpec is the YAML shape of a rule group: members reference rules
// by id rather than embedding them.
type GroupSpec struct {
	ID                 string       `yaml:"id"`
	Name               string       `yaml:"name"`
	Operator           string       `yaml:"operator"`
	StopOnFirstFailure bool         `yaml:"stop-on-first-failure"`
	Rules              []GroupEntry `yaml:"rules"`
}

// GroupEntry pairs a rule reference with its sequence number.
type GroupEntry struct {
	RuleID   string `yaml:"rule"`
	Sequence int    `yaml:"sequence"`
}

// rawRule mirrors domain.Rule with a tri-state enabled flag so omitted
// means true.
type rawRule struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Condition string   `yaml:"condition"`
	Message   string   `yaml:"message"`
	Severity  string   `yaml:"severity"`
	Priority  int      `yaml:"priority"`
	Enabled   *bool    `yaml:"enabled"`
	Tags      []string `yaml:"tags"`
}

type rawDocument struct {
	Rules       []rawRule               `yaml:"rules"`
	Groups      []GroupSpec             `yaml:"rule-groups"`
	Enrichments []*domain.Enrichment    `yaml:"enrichments"`
	Datasets    []*domain.LookupDataset `yaml:"datasets"`
}

// enabledFlags shadows the enrichment list to see whether enabled was
// present at all, so omitted defaults to true.
type enabledFlags struct {
	Enrichments []struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"enrichments"`
}

// Load reads and parses a YAML document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML document. Omitted enabled flags default to true;
// omitted rule severity defaults to INFO.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	doc := &Document{
		Groups:   raw.Groups,
		Datasets: raw.Datasets,
	}

	for _, rr := range raw.Rules {
		rule := domain.NewRule(rr.ID, rr.Name, rr.Condition, rr.Message)
		if rr.Severity != "" {
			rule.Severity = rr.Severity
		}
		rule.Priority = rr.Priority
		rule.Tags = rr.Tags
		if rr.Enabled != nil {
			rule.Enabled = *rr.Enabled
		}
		doc.Rules = append(doc.Rules, rule)
	}

	var flags enabledFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for i, en := range raw.Enrichments {
		if i >= len(flags.Enrichments) || flags.Enrichments[i].Enabled == nil {
			en.Enabled = true
		}
		doc.Enrichments = append(doc.Enrichments, en)
	}

	return doc, nil
}

// Apply registers the document's datasets, rules, groups and enrichments
// on the engine. Validation is eager; the first defect aborts the load.
func Apply(doc *Document, eng *engine.Engine) error {
	for _, ds := range doc.Datasets {
		if err := eng.Lookups().RegisterDataset(ds); err != nil {
			return err
		}
	}

	if err := eng.LoadRules(doc.Rules); err != nil {
		return err
	}

	byID := make(map[string]*domain.Rule, len(doc.Rules))
	for _, r := range doc.Rules {
		byID[r.ID] = r
	}
	for _, gs := range doc.Groups {
		group := &domain.RuleGroup{
			ID:                 gs.ID,
			Name:               gs.Name,
			Operator:           domain.GroupOperator(gs.Operator),
			StopOnFirstFailure: gs.StopOnFirstFailure,
		}
		if group.Operator == "" {
			group.Operator = domain.OperatorAnd
		}
		for _, entry := range gs.Rules {
			rule, ok := byID[entry.RuleID]
			if !ok {
				return domain.NewConfigurationError(gs.ID, "group references unknown rule %q", entry.RuleID)
			}
			group.Rules = append(group.Rules, domain.GroupRule{Rule: rule, Sequence: entry.Sequence})
		}
		if err := eng.LoadGroup(group); err != nil {
			return err
		}
	}

	return eng.LoadEnrichments(doc.Enrichments)
}

// LoadAndApply is the common path for a config file on disk.
func LoadAndApply(path string, eng *engine.Engine) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(doc, eng)
}
