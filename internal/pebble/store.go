package pebble

import "context"

// Store is the persistence contract the lifecycle machine depends on.
//
// Existence checks return false for a missing row and a *StoreError for a
// persistence fault; the two are never conflated. Each write either fully
// applies or fails.
type Store interface {
	// IsRegistered reports whether a Registry row exists for deviceID.
	IsRegistered(ctx context.Context, deviceID string) (bool, error)

	// IsBound reports whether a Binding row exists for deviceID.
	IsBound(ctx context.Context, deviceID string) (bool, error)

	// InsertRegistry creates a Registry row. Callers check IsRegistered first.
	InsertRegistry(ctx context.Context, deviceID, vehicleID string) error

	// InsertBinding creates or replaces the Binding row for deviceID.
	InsertBinding(ctx context.Context, deviceID, ownerWallet string) error

	// DeleteBinding removes the Binding row. A missing row is not an error.
	DeleteBinding(ctx context.Context, deviceID string) error

	// InsertData appends a Data row.
	InsertData(ctx context.Context, deviceID, payload, timestamp string) error
}

// TxStore is a Store that can run a sequence of operations for one device
// atomically. Transitions run their checks and their write inside fn so no
// concurrent event for the same device can interleave.
type TxStore interface {
	Store
	WithinDevice(ctx context.Context, deviceID string, fn func(Store) error) error
}

// Reader exposes the relations to operator queries.
type Reader interface {
	// Registration returns the Registry row, or ErrNotRegistered.
	Registration(ctx context.Context, deviceID string) (Registration, error)

	// Binding returns the Binding row, or ErrNotBound.
	Binding(ctx context.Context, deviceID string) (Binding, error)

	// Readings returns up to limit Data rows for deviceID, newest first.
	Readings(ctx context.Context, deviceID string, limit int) ([]Reading, error)

	// Counts returns the number of rows in each relation.
	Counts(ctx context.Context) (Counts, error)
}
