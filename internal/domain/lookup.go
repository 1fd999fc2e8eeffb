package domain

import "context"

// LookupConnector resolves keys against an external dataset (file,
// database, REST endpoint). Implementations live outside the core;
// a miss is reported as found == false, not as an error.
type LookupConnector interface {
	Lookup(ctx context.Context, dataset *LookupDataset, key any) (Record, bool, error)
}

// ConnectorFunc adapts a plain function to the LookupConnector interface.
type ConnectorFunc func(ctx context.Context, dataset *LookupDataset, key any) (Record, bool, error)

// Lookup implements LookupConnector.
func (f ConnectorFunc) Lookup(ctx context.Context, dataset *LookupDataset, key any) (Record, bool, error) {
	return f(ctx, dataset, key)
}
