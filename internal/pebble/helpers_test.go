package pebble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/pebble-core/internal/infrastructure/database"
	_ "github.com/nerrad567/pebble-core/migrations" // registers the schema migrations
)

// newTestStore opens an in-memory database with the real migrations applied.
func newTestStore(t *testing.T) (*SQLiteStore, *database.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	require.NoError(t, db.Migrate(ctx))

	store, err := NewSQLiteStore(db.Sqlx(), DefaultRelations())
	require.NoError(t, err)
	return store, db
}

func countRows(t *testing.T, db *database.DB, table, deviceID string) int {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE device_id = ?", table), deviceID,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

var errInjected = errors.New("injected fault")

// fakeStore is an in-memory Store that can fail any operation on demand
// and records every write it applies.
type fakeStore struct {
	mu         sync.Mutex
	registered map[string]string
	bound      map[string]string
	data       []DataEvent
	writes     []string
	fail       map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		registered: map[string]string{},
		bound:      map[string]string{},
		fail:       map[string]error{},
	}
}

func (f *fakeStore) failOn(op string) *fakeStore {
	f.fail[op] = errInjected
	return f
}

func (f *fakeStore) IsRegistered(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["is_registered"]; err != nil {
		return false, err
	}
	_, ok := f.registered[id]
	return ok, nil
}

func (f *fakeStore) IsBound(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["is_bound"]; err != nil {
		return false, err
	}
	_, ok := f.bound[id]
	return ok, nil
}

func (f *fakeStore) InsertRegistry(_ context.Context, id, vehicle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["insert_registry"]; err != nil {
		return err
	}
	f.registered[id] = vehicle
	f.writes = append(f.writes, "insert_registry")
	return nil
}

func (f *fakeStore) InsertBinding(_ context.Context, id, wallet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["insert_binding"]; err != nil {
		return err
	}
	f.bound[id] = wallet
	f.writes = append(f.writes, "insert_binding")
	return nil
}

func (f *fakeStore) DeleteBinding(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["delete_binding"]; err != nil {
		return err
	}
	delete(f.bound, id)
	f.writes = append(f.writes, "delete_binding")
	return nil
}

func (f *fakeStore) InsertData(_ context.Context, id, payload, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["insert_data"]; err != nil {
		return err
	}
	f.data = append(f.data, DataEvent{DeviceID: id, Payload: payload, Timestamp: ts})
	f.writes = append(f.writes, "insert_data")
	return nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// mapSource is a PayloadSource over a fixed map.
type mapSource map[uint32][]byte

func (m mapSource) Fetch(ref uint32) ([]byte, error) {
	raw, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%w: ref %d", ErrPayloadUnavailable, ref)
	}
	return raw, nil
}
