package lookup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apexrules/apex/internal/cache"
	"github.com/apexrules/apex/internal/domain"
)

func currencyDataset() *domain.LookupDataset {
	return &domain.LookupDataset{
		ID:       "currencies",
		Type:     domain.DatasetInline,
		KeyField: "code",
		Data: []domain.Record{
			{"code": "USD", "name": "US Dollar", "symbol": "$"},
			{"code": "EUR", "name": "Euro", "symbol": "€"},
		},
	}
}

func TestResolveInline(t *testing.T) {
	s := New(nil, 0, nil)
	if err := s.RegisterDataset(currencyDataset()); err != nil {
		t.Fatalf("failed to register dataset: %v", err)
	}

	ctx := context.Background()

	rec, found, err := s.Resolve(ctx, "currencies", "USD")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !found {
		t.Fatal("expected USD to be found")
	}
	if rec["name"] != "US Dollar" {
		t.Errorf("expected 'US Dollar', got %v", rec["name"])
	}

	// Miss without defaults: found=false, no error.
	rec, found, err = s.Resolve(ctx, "currencies", "GBP")
	if err != nil {
		t.Fatalf("miss must not be an error: %v", err)
	}
	if found {
		t.Error("expected GBP miss")
	}
	if rec != nil {
		t.Errorf("expected nil record on defaultless miss, got %v", rec)
	}
}

func TestResolveUnknownDataset(t *testing.T) {
	s := New(nil, 0, nil)

	_, _, err := s.Resolve(context.Background(), "missing", "key")
	if !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("expected ErrDatasetNotFound, got %v", err)
	}
}

func TestResolveDefaultsOnMiss(t *testing.T) {
	s := New(nil, 0, nil)
	ds := currencyDataset()
	ds.DefaultValues = map[string]any{"name": "Unknown", "symbol": "?"}
	_ = s.RegisterDataset(ds)

	rec, found, err := s.Resolve(context.Background(), "currencies", "XXX")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !found {
		t.Fatal("a miss with defaults counts as found")
	}
	if rec["name"] != "Unknown" {
		t.Errorf("expected default name, got %v", rec["name"])
	}

	// The defaults are a copy; mutating them must not leak back.
	rec["name"] = "mutated"
	rec2, _, _ := s.Resolve(context.Background(), "currencies", "XXX")
	if rec2["name"] != "Unknown" {
		t.Error("default values leaked between lookups")
	}
}

func TestResolveNumericKeyEquality(t *testing.T) {
	// JSON-decoded data carries float64 values; expression results carry
	// int64. Both must match the same record.
	s := New(nil, 0, nil)
	_ = s.RegisterDataset(&domain.LookupDataset{
		ID:       "tiers",
		KeyField: "level",
		Data: []domain.Record{
			{"level": float64(3), "name": "gold"},
		},
	})

	rec, found, err := s.Resolve(context.Background(), "tiers", int64(3))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !found {
		t.Fatal("int64 key should match float64 record value")
	}
	if rec["name"] != "gold" {
		t.Errorf("expected gold, got %v", rec["name"])
	}
}

func TestResolveNilKey(t *testing.T) {
	s := New(nil, 0, nil)
	_ = s.RegisterDataset(currencyDataset())

	rec, found, err := s.Resolve(context.Background(), "currencies", nil)
	if err != nil {
		t.Fatalf("nil key must not be an error: %v", err)
	}
	if found {
		t.Error("nil key without defaults should be a miss")
	}
	if rec != nil {
		t.Errorf("expected nil record, got %v", rec)
	}
}

func TestResolveConnector(t *testing.T) {
	s := New(nil, 0, nil)
	_ = s.RegisterDataset(&domain.LookupDataset{
		ID:           "accounts",
		Type:         "database",
		KeyField:     "id",
		ConnectorRef: "accounts-db",
	})

	var gotKey any
	s.RegisterConnector("accounts-db", domain.ConnectorFunc(func(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
		gotKey = key
		return domain.Record{"id": key, "status": "ACTIVE"}, true, nil
	}))

	rec, found, err := s.Resolve(context.Background(), "accounts", "acc-1")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !found {
		t.Fatal("expected connector hit")
	}
	if gotKey != "acc-1" {
		t.Errorf("connector received key %v", gotKey)
	}
	if rec["status"] != "ACTIVE" {
		t.Errorf("expected ACTIVE, got %v", rec["status"])
	}
}

func TestResolveConnectorMissing(t *testing.T) {
	s := New(nil, 0, nil)
	_ = s.RegisterDataset(&domain.LookupDataset{
		ID:           "accounts",
		Type:         "database",
		KeyField:     "id",
		ConnectorRef: "unregistered",
	})

	_, _, err := s.Resolve(context.Background(), "accounts", "acc-1")
	if !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("expected ErrConnectorNotFound, got %v", err)
	}
}

func TestResolveConnectorTimeoutIsMiss(t *testing.T) {
	s := New(nil, 20*time.Millisecond, nil)
	ds := &domain.LookupDataset{
		ID:            "slow",
		Type:          "http",
		KeyField:      "id",
		ConnectorRef:  "slow-api",
		DefaultValues: map[string]any{"status": "UNKNOWN"},
	}
	_ = s.RegisterDataset(ds)

	s.RegisterConnector("slow-api", domain.ConnectorFunc(func(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
		select {
		case <-time.After(time.Second):
			return domain.Record{"id": key}, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}))

	rec, found, err := s.Resolve(context.Background(), "slow", "x")
	if err != nil {
		t.Fatalf("timeout must degrade to a miss, got error: %v", err)
	}
	if !found {
		t.Fatal("miss with defaults counts as found")
	}
	if rec["status"] != "UNKNOWN" {
		t.Errorf("expected default record, got %v", rec)
	}
}

func TestResolveConnectorError(t *testing.T) {
	s := New(nil, 0, nil)
	_ = s.RegisterDataset(&domain.LookupDataset{
		ID:           "broken",
		Type:         "database",
		KeyField:     "id",
		ConnectorRef: "broken-db",
	})

	boom := errors.New("connection refused")
	s.RegisterConnector("broken-db", domain.ConnectorFunc(func(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
		return nil, false, boom
	}))

	_, _, err := s.Resolve(context.Background(), "broken", "x")
	if !errors.Is(err, boom) {
		t.Errorf("non-timeout connector errors must propagate, got %v", err)
	}
}

func TestResolveCaching(t *testing.T) {
	c := cache.NewLRUCache(100)
	s := New(c, 0, nil)

	calls := 0
	ds := &domain.LookupDataset{
		ID:              "cached",
		Type:            "database",
		KeyField:        "id",
		ConnectorRef:    "counting",
		CacheEnabled:    true,
		CacheTTLSeconds: 60,
	}
	_ = s.RegisterDataset(ds)
	s.RegisterConnector("counting", domain.ConnectorFunc(func(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
		calls++
		return domain.Record{"id": key, "n": calls}, true, nil
	}))

	ctx := context.Background()

	if _, _, err := s.Resolve(ctx, "cached", "k1"); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if _, _, err := s.Resolve(ctx, "cached", "k1"); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 connector call with caching, got %d", calls)
	}

	// Purging forces the next resolve back to the connector.
	if err := s.PurgeDataset(ctx, "cached"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if _, _, err := s.Resolve(ctx, "cached", "k1"); err != nil {
		t.Fatalf("post-purge resolve failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected connector call after purge, got %d", calls)
	}
}

func TestRegisterDatasetValidation(t *testing.T) {
	s := New(nil, 0, nil)

	if err := s.RegisterDataset(&domain.LookupDataset{KeyField: "k"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := s.RegisterDataset(&domain.LookupDataset{ID: "d"}); err == nil {
		t.Error("expected error for missing key-field")
	}
}
