package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apexrules/apex/internal/bus"
	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()

	eng, err := engine.New(domain.EngineConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	err = eng.LoadEnrichments([]*domain.Enrichment{
		{
			ID:      "risk-score",
			Type:    domain.EnrichmentCalculation,
			Enabled: true,
			Calculation: &domain.CalculationConfig{
				Expression:  "amount > 10000.0 ? 10 : 1",
				ResultField: "riskScore",
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to load enrichments: %v", err)
	}

	highRisk := domain.NewRule("high-risk", "high-risk", "riskScore >= 10", "high risk")
	highRisk.Severity = domain.SeverityError
	if err := eng.LoadRule(highRisk); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	return eng
}

func publishRequest(t *testing.T, b domain.EventBus, req EnrichRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicEnrichRequest, payload); err != nil {
		t.Fatalf("failed to publish request: %v", err)
	}
}

func waitResult(t *testing.T, ch <-chan EnrichResult) EnrichResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for enrichment result")
		return EnrichResult{}
	}
}

func TestWorkerProcessesEnrichRequest(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	w := NewWorker(b, nil, testEngine(t))
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	results := make(chan EnrichResult, 1)
	_, _ = b.Subscribe(context.Background(), domain.TopicEnrichResult, func(ctx context.Context, msg *domain.Message) error {
		var res EnrichResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return err
		}
		results <- res
		return nil
	})

	publishRequest(t, b, EnrichRequest{
		RequestID: "req-1",
		Target:    map[string]any{"amount": 500.0},
	})

	res := waitResult(t, results)
	if res.RequestID != "req-1" {
		t.Errorf("expected request id carried, got %q", res.RequestID)
	}
	if res.Error != "" {
		t.Errorf("unexpected error: %s", res.Error)
	}
	if res.Enriched["riskScore"] != 1.0 {
		t.Errorf("expected riskScore 1 on the enriched object, got %v", res.Enriched["riskScore"])
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Status != domain.OutcomeApplied {
		t.Errorf("expected one applied outcome, got %+v", res.Outcomes)
	}
}

func TestWorkerEvaluatesRulesAndAlerts(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	w := NewWorker(b, nil, testEngine(t))
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	alerts := make(chan EnrichResult, 1)
	_, _ = b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		var res EnrichResult
		_ = json.Unmarshal(msg.Payload, &res)
		alerts <- res
		return nil
	})
	ruleResults := make(chan EnrichResult, 1)
	_, _ = b.Subscribe(ctx, domain.TopicRuleResult, func(ctx context.Context, msg *domain.Message) error {
		var res EnrichResult
		_ = json.Unmarshal(msg.Payload, &res)
		ruleResults <- res
		return nil
	})

	publishRequest(t, b, EnrichRequest{
		RequestID: "req-2",
		Target:    map[string]any{"amount": 50000.0},
		RuleIDs:   []string{"high-risk"},
	})

	res := waitResult(t, ruleResults)
	if len(res.RuleResults) != 1 {
		t.Fatalf("expected 1 rule result, got %d", len(res.RuleResults))
	}
	if res.RuleResults[0].Type != domain.ResultMatch {
		t.Errorf("expected MATCH, got %s", res.RuleResults[0].Type)
	}

	alert := waitResult(t, alerts)
	if alert.RequestID != "req-2" {
		t.Errorf("expected alert for req-2, got %q", alert.RequestID)
	}
}

func TestWorkerNoAlertBelowErrorSeverity(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	eng := testEngine(t)
	warnRule := domain.NewRule("warn-risk", "warn-risk", "riskScore >= 1", "some risk")
	warnRule.Severity = domain.SeverityWarning
	_ = eng.LoadRule(warnRule)

	w := NewWorker(b, nil, eng)
	_ = w.Start()
	defer w.Stop()

	ctx := context.Background()
	alerts := make(chan struct{}, 1)
	_, _ = b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- struct{}{}
		return nil
	})
	results := make(chan EnrichResult, 1)
	_, _ = b.Subscribe(ctx, domain.TopicEnrichResult, func(ctx context.Context, msg *domain.Message) error {
		var res EnrichResult
		_ = json.Unmarshal(msg.Payload, &res)
		results <- res
		return nil
	})

	publishRequest(t, b, EnrichRequest{
		RequestID: "req-3",
		Target:    map[string]any{"amount": 100.0},
		RuleIDs:   []string{"warn-risk"},
	})

	res := waitResult(t, results)
	if len(res.RuleResults) != 1 || !res.RuleResults[0].Triggered {
		t.Fatalf("expected a triggered WARNING result, got %+v", res.RuleResults)
	}

	select {
	case <-alerts:
		t.Error("WARNING severity must not raise an alert")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerStats(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	w := NewWorker(b, nil, testEngine(t))
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicEnrichRequest {
		t.Errorf("unexpected topics: %v", stats.Topics)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}
