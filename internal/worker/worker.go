// Package worker provides async enrichment processing off the event
// bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
)

// Worker consumes enrichment requests from the EventBus, runs them
// through the engine and publishes results. Rule matches with ERROR
// severity additionally go to the alert topic.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine *engine.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. repo may be nil to skip
// persistence.
func NewWorker(bus domain.EventBus, repo domain.Repository, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the enrichment request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEnrichRequest, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("enrichment worker started", "topic", domain.TopicEnrichRequest)
	return nil
}

// EnrichRequest is the message payload for async enrichment.
type EnrichRequest struct {
	RequestID string         `json:"requestId"`
	TraceID   string         `json:"traceId,omitempty"`
	Target    map[string]any `json:"target"`
	// RuleIDs optionally evaluates loaded rules against the enriched
	// object after the pipeline runs.
	RuleIDs []string `json:"ruleIds,omitempty"`
}

// EnrichResult is published after the pipeline finishes.
type EnrichResult struct {
	RequestID   string                     `json:"requestId"`
	TraceID     string                     `json:"traceId,omitempty"`
	Enriched    map[string]any             `json:"enriched"`
	Outcomes    []domain.EnrichmentOutcome `json:"outcomes"`
	RuleResults []domain.RuleResult        `json:"ruleResults,omitempty"`
	Error       string                     `json:"error,omitempty"`
	DurationMs  int64                      `json:"durationMs"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req EnrichRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse enrichment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	slog.Debug("processing enrichment request",
		"request_id", req.RequestID,
		"trace_id", req.TraceID,
	)

	result := EnrichResult{
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
	}

	enriched, outcomes, err := w.engine.Enrich(ctx, nil, req.Target)
	result.Enriched = enriched
	result.Outcomes = outcomes
	if err != nil {
		result.Error = err.Error()
	}

	alert := false
	for _, ruleID := range req.RuleIDs {
		rr, evalErr := w.engine.EvaluateRuleByID(ctx, ruleID, enriched)
		if evalErr != nil {
			slog.Error("rule evaluation failed",
				"request_id", req.RequestID,
				"rule_id", ruleID,
				"error", evalErr,
			)
			continue
		}
		result.RuleResults = append(result.RuleResults, rr)
		if rr.Triggered && rr.Severity == domain.SeverityError {
			alert = true
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()

	if w.repo != nil {
		record := &domain.EvaluationRecord{
			ID:          uuid.New().String(),
			Kind:        "enrichment",
			SubjectID:   req.RequestID,
			Timestamp:   start.UTC(),
			RuleResults: result.RuleResults,
			Outcomes:    outcomes,
			Enriched:    enriched,
			DurationMs:  result.DurationMs,
		}
		if saveErr := w.repo.SaveEvaluation(ctx, record); saveErr != nil {
			slog.Error("failed to save evaluation",
				"request_id", req.RequestID,
				"error", saveErr,
			)
		}
	}

	payload, _ := json.Marshal(result)
	if pubErr := w.bus.Publish(ctx, domain.TopicEnrichResult, payload); pubErr != nil {
		slog.Error("failed to publish enrichment result",
			"request_id", req.RequestID,
			"error", pubErr,
		)
	}

	if len(result.RuleResults) > 0 {
		if pubErr := w.bus.Publish(ctx, domain.TopicRuleResult, payload); pubErr != nil {
			slog.Error("failed to publish rule results",
				"request_id", req.RequestID,
				"error", pubErr,
			)
		}
	}

	if alert {
		if pubErr := w.bus.Publish(ctx, domain.TopicAlert, payload); pubErr != nil {
			slog.Error("failed to publish alert",
				"request_id", req.RequestID,
				"error", pubErr,
			)
		}
	}

	slog.Info("enrichment request processed",
		"request_id", req.RequestID,
		"outcomes", len(outcomes),
		"duration_ms", result.DurationMs,
	)

	return err
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("enrichment worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
