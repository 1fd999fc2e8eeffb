package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	eng, err := engine.New(domain.EngineConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	rule := domain.NewRule("age-check", "adult", "age >= 18", "adult customer")
	if err := eng.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	err = eng.Lookups().RegisterDataset(&domain.LookupDataset{
		ID:       "currencies",
		Type:     domain.DatasetInline,
		KeyField: "code",
		Data: []domain.Record{
			{"code": "USD", "name": "US Dollar"},
		},
	})
	if err != nil {
		t.Fatalf("failed to register dataset: %v", err)
	}

	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, nil, nil, eng, "test")
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
	if body["version"] != "test" {
		t.Errorf("expected version carried, got %v", body["version"])
	}
}

func TestEvaluateByRuleID(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
		RuleID:  "age-check",
		Context: map[string]any{"age": 25},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	decode(t, rec, &resp)
	if resp.Result.Type != domain.ResultMatch {
		t.Errorf("expected MATCH, got %s", resp.Result.Type)
	}
	if !resp.Result.Triggered {
		t.Error("expected triggered result")
	}
	if resp.EvaluationID == "" {
		t.Error("expected evaluation id")
	}
}

func TestEvaluateInlineRule(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
		Rule: &domain.Rule{
			ID:        "inline",
			Name:      "inline",
			Condition: "amount > 1000.0",
			Message:   "large",
			Enabled:   true,
		},
		Context: map[string]any{"amount": 50.0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	decode(t, rec, &resp)
	if resp.Result.Type != domain.ResultNoMatch {
		t.Errorf("expected NO_MATCH, got %s", resp.Result.Type)
	}
}

func TestEvaluateUnknownRule(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
		RuleID:  "ghost",
		Context: map[string]any{},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestEvaluateMissingSubject(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
		Context: map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEnrichSync(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/enrich", EnrichRequest{
		Target: map[string]any{"currency": "USD"},
		Enrichments: []*domain.Enrichment{
			{
				ID:      "currency-details",
				Type:    domain.EnrichmentLookup,
				Enabled: true,
				Lookup: &domain.LookupConfig{
					LookupKey:  "currency",
					DatasetRef: "currencies",
					FieldMappings: []domain.FieldMapping{
						{SourceField: "name", TargetField: "currencyName"},
					},
				},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EnrichResponse
	decode(t, rec, &resp)
	if resp.Enriched["currencyName"] != "US Dollar" {
		t.Errorf("expected enrichment applied, got %v", resp.Enriched)
	}
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].Status != domain.OutcomeApplied {
		t.Errorf("expected one applied outcome, got %+v", resp.Outcomes)
	}
}

func TestEnrichCycleIsBadRequest(t *testing.T) {
	srv := testServer(t)

	cyclic := func(id, dep string) *domain.Enrichment {
		return &domain.Enrichment{
			ID:        id,
			Type:      domain.EnrichmentCalculation,
			Enabled:   true,
			DependsOn: []string{dep},
			Calculation: &domain.CalculationConfig{
				Expression:  "1 + 1",
				ResultField: id,
			},
		}
	}

	rec := doJSON(t, srv, http.MethodPost, "/enrich", EnrichRequest{
		Target:      map[string]any{},
		Enrichments: []*domain.Enrichment{cyclic("a", "b"), cyclic("b", "a")},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("configuration errors are 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEnrichMissingTarget(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/enrich", EnrichRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRulesCRUD(t *testing.T) {
	srv := testServer(t)

	// Create
	rec := doJSON(t, srv, http.MethodPost, "/rules", map[string]any{
		"id":        "amount-check",
		"name":      "large-amount",
		"condition": "amount > 1000.0",
		"message":   "large amount",
		"severity":  "WARNING",
		"enabled":   true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Get
	rec = doJSON(t, srv, http.MethodGet, "/rules/amount-check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rule domain.Rule
	decode(t, rec, &rule)
	if rule.Condition != "amount > 1000.0" {
		t.Errorf("unexpected rule: %+v", rule)
	}

	// List
	rec = doJSON(t, srv, http.MethodGet, "/rules", nil)
	var list struct {
		Rules []*domain.Rule `json:"rules"`
	}
	decode(t, rec, &list)
	if len(list.Rules) != 2 {
		t.Errorf("expected 2 rules, got %d", len(list.Rules))
	}

	// Delete
	rec = doJSON(t, srv, http.MethodDelete, "/rules/amount-check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/rules/amount-check", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestGroupsCRUDAndEvaluate(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/groups", map[string]any{
		"id":       "onboarding",
		"name":     "onboarding checks",
		"operator": "AND",
		"rules": []map[string]any{
			{
				"rule": map[string]any{
					"id":        "g-age",
					"name":      "adult",
					"condition": "age >= 18",
					"message":   "adult customer",
					"enabled":   true,
				},
				"sequence": 1,
			},
			{
				"rule": map[string]any{
					"id":        "g-amount",
					"name":      "amount-in-range",
					"condition": "amount < 10000.0",
					"message":   "amount within range",
					"enabled":   true,
				},
				"sequence": 2,
			},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Member rules register with the group.
	rec = doJSON(t, srv, http.MethodGet, "/rules/g-age", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected member rule registered, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
		GroupID: "onboarding",
		Context: map[string]any{"age": 30, "amount": 500.0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp EvaluateResponse
	decode(t, rec, &resp)
	if resp.Result.Type != domain.ResultMatch {
		t.Errorf("expected group MATCH, got %s", resp.Result.Type)
	}

	rec = doJSON(t, srv, http.MethodGet, "/groups/onboarding", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/groups/onboarding", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/groups/onboarding", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCreateGroupDuplicateSequence(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/groups", map[string]any{
		"id":       "broken",
		"operator": "OR",
		"rules": []map[string]any{
			{"rule": map[string]any{"id": "d1", "condition": "a > 1", "enabled": true}, "sequence": 1},
			{"rule": map[string]any{"id": "d2", "condition": "b > 1", "enabled": true}, "sequence": 1},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for duplicate sequence, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRuleInvalidCondition(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/rules", map[string]any{
		"id":        "bad",
		"condition": "amount > > 1000",
		"enabled":   true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid condition, got %d", rec.Code)
	}
}

func TestEnrichmentsCRUD(t *testing.T) {
	srv := testServer(t)

	body := map[string]any{
		"id":      "risk-score",
		"type":    "calculation",
		"enabled": true,
		"calculation": map[string]any{
			"expression":  "amount > 10000.0 ? 10 : 1",
			"resultField": "riskScore",
		},
	}

	rec := doJSON(t, srv, http.MethodPost, "/enrichments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/enrichments/risk-score", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// A new enrichment depending on an unknown id is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/enrichments", map[string]any{
		"id":        "dependent",
		"type":      "calculation",
		"enabled":   true,
		"dependsOn": []string{"ghost"},
		"calculation": map[string]any{
			"expression":  "riskScore + 1",
			"resultField": "adjusted",
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown dependency, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodDelete, "/enrichments/risk-score", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/enrichments/risk-score", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestDatasets(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/datasets", map[string]any{
		"id":       "countries",
		"type":     "inline",
		"keyField": "code",
		"data": []map[string]any{
			{"code": "GB", "name": "United Kingdom"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/datasets/countries", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ds domain.LookupDataset
	decode(t, rec, &ds)
	if ds.KeyField != "code" || len(ds.Data) != 1 {
		t.Errorf("unexpected dataset: %+v", ds)
	}

	// Missing key field is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/datasets", map[string]any{
		"id": "broken",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	srv := testServer(t)

	// Generate some evaluations first.
	for i := 0; i < 3; i++ {
		doJSON(t, srv, http.MethodPost, "/evaluate", EvaluateRequest{
			RuleID:  "age-check",
			Context: map[string]any{"age": 20 + i},
		})
	}

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Snapshots       []domain.PerformanceSnapshot `json:"snapshots"`
		ExpressionCache map[string]any               `json:"expressionCache"`
	}
	decode(t, rec, &body)
	if len(body.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(body.Snapshots))
	}
	if body.Snapshots[0].EvaluationCount != 3 {
		t.Errorf("expected 3 evaluations, got %d", body.Snapshots[0].EvaluationCount)
	}
	if body.ExpressionCache["size"] == nil {
		t.Error("expected expression cache stats")
	}

	rec = doJSON(t, srv, http.MethodGet, "/metrics/age-check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/metrics/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestReadyWithoutDependencies(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Ready bool `json:"ready"`
	}
	decode(t, rec, &body)
	if !body.Ready {
		t.Error("expected ready without configured dependencies")
	}
}

func TestTraceHeadersPropagated(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}
	if rec.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header set")
	}
}
