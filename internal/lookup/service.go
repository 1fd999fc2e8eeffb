// Package lookup resolves enrichment keys against reference datasets.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apexrules/apex/internal/domain"
)

// ErrDatasetNotFound is returned when a dataset reference cannot be
// resolved against the registry.
var ErrDatasetNotFound = errors.New("dataset not found")

// ErrConnectorNotFound is returned when a dataset names a connector that
// has not been registered.
var ErrConnectorNotFound = errors.New("connector not found")

// Service resolves keys against registered datasets. Inline datasets are
// matched in-process by value equality on the key field; external
// datasets delegate to a named LookupConnector under a per-call timeout.
// Resolved records are cached per dataset when the dataset enables it.
type Service struct {
	mu         sync.RWMutex
	datasets   map[string]*domain.LookupDataset
	connectors map[string]domain.LookupConnector

	cache   domain.Cache
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a lookup service. cache may be nil to disable caching;
// timeout bounds external connector calls and defaults to 5s.
func New(cache domain.Cache, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		datasets:   make(map[string]*domain.LookupDataset),
		connectors: make(map[string]domain.LookupConnector),
		cache:      cache,
		timeout:    timeout,
		logger:     logger,
	}
}

// RegisterDataset adds or replaces a dataset in the registry.
func (s *Service) RegisterDataset(ds *domain.LookupDataset) error {
	if ds.ID == "" {
		return domain.NewConfigurationError("dataset", "missing id")
	}
	if ds.KeyField == "" {
		return domain.NewConfigurationError("dataset "+ds.ID, "missing key-field")
	}
	s.mu.Lock()
	s.datasets[ds.ID] = ds
	s.mu.Unlock()
	return nil
}

// RegisterConnector adds a named connector for external datasets.
func (s *Service) RegisterConnector(name string, c domain.LookupConnector) {
	s.mu.Lock()
	s.connectors[name] = c
	s.mu.Unlock()
}

// Dataset returns a registered dataset by id.
func (s *Service) Dataset(id string) (*domain.LookupDataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	return ds, ok
}

// ListDatasets returns all registered datasets.
func (s *Service) ListDatasets() []*domain.LookupDataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.LookupDataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, ds)
	}
	return out
}

// Resolve looks up key in the dataset registered under datasetID.
func (s *Service) Resolve(ctx context.Context, datasetID string, key any) (domain.Record, bool, error) {
	ds, ok := s.Dataset(datasetID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrDatasetNotFound, datasetID)
	}
	return s.ResolveDataset(ctx, ds, key)
}

// ResolveDataset looks up key in the given dataset, which need not be
// registered (lookup enrichments may carry inline datasets). A miss with
// configured default values yields the defaults; otherwise found is
// false and the caller decides severity.
func (s *Service) ResolveDataset(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
	if key == nil {
		return s.missResult(ds), ds.DefaultValues != nil, nil
	}

	if rec, ok := s.cacheGet(ctx, ds, key); ok {
		return rec, true, nil
	}

	rec, found, err := s.resolve(ctx, ds, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return s.missResult(ds), ds.DefaultValues != nil, nil
	}

	s.cachePut(ctx, ds, key, rec)
	return rec, true, nil
}

func (s *Service) resolve(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool, error) {
	switch ds.Type {
	case domain.DatasetInline, "":
		rec := matchInline(ds, key)
		return rec, rec != nil, nil

	default:
		s.mu.RLock()
		connector, ok := s.connectors[ds.ConnectorRef]
		s.mu.RUnlock()
		if !ok {
			return nil, false, fmt.Errorf("%w: %s (dataset %s)", ErrConnectorNotFound, ds.ConnectorRef, ds.ID)
		}

		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		rec, found, err := connector.Lookup(cctx, ds, key)
		if err != nil {
			// A timed-out connector is a miss, not a failure.
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("lookup connector timed out",
					"dataset", ds.ID,
					"connector", ds.ConnectorRef)
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("connector %s: %w", ds.ConnectorRef, err)
		}
		return rec, found, nil
	}
}

// matchInline scans inline records for value equality on the key field.
// Equality is by canonical string form so that an int64 key matches a
// float64 record value produced by JSON decoding.
func matchInline(ds *domain.LookupDataset, key any) domain.Record {
	want := canonicalKey(key)
	for _, rec := range ds.Data {
		if canonicalKey(rec[ds.KeyField]) == want {
			return rec
		}
	}
	return nil
}

func (s *Service) missResult(ds *domain.LookupDataset) domain.Record {
	if ds.DefaultValues == nil {
		return nil
	}
	out := make(domain.Record, len(ds.DefaultValues))
	for k, v := range ds.DefaultValues {
		out[k] = v
	}
	return out
}

func (s *Service) cacheGet(ctx context.Context, ds *domain.LookupDataset, key any) (domain.Record, bool) {
	if s.cache == nil || !ds.CacheEnabled {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, "dataset:"+ds.ID, canonicalKey(key))
	if err != nil || raw == nil {
		return nil, false
	}
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return rec, true
}

func (s *Service) cachePut(ctx context.Context, ds *domain.LookupDataset, key any, rec domain.Record) {
	if s.cache == nil || !ds.CacheEnabled {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ttl := time.Duration(ds.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := s.cache.Set(ctx, "dataset:"+ds.ID, canonicalKey(key), raw, ttl); err != nil {
		s.logger.Warn("failed to cache lookup result", "dataset", ds.ID, "error", err)
	}
}

// PurgeDataset drops any cached records for a dataset, used after a
// dataset is updated or deleted.
func (s *Service) PurgeDataset(ctx context.Context, datasetID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Purge(ctx, "dataset:"+datasetID)
}

// canonicalKey renders a lookup key in a type-insensitive string form.
func canonicalKey(key any) string {
	switch k := key.(type) {
	case nil:
		return ""
	case string:
		return k
	case float64:
		if k == float64(int64(k)) {
			return fmt.Sprintf("%d", int64(k))
		}
		return fmt.Sprintf("%v", k)
	case float32:
		return canonicalKey(float64(k))
	default:
		return fmt.Sprintf("%v", key)
	}
}
