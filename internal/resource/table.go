// Package resource holds inbound payloads behind opaque references.
//
// Transports store the bytes they receive with Put, hand the returned
// reference to a handler, and Release it once the handler returns. The
// handler resolves the reference with Fetch. Reference 0 is never issued.
package resource

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownReference is returned by Fetch for a reference that was never
	// issued or has been released.
	ErrUnknownReference = errors.New("resource: unknown reference")

	// ErrTableFull is returned by Put when the table is at capacity.
	ErrTableFull = errors.New("resource: table full")
)

// Table maps uint32 references to payload bytes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[uint32][]byte
	next    uint32
	max     int
}

// NewTable returns a table holding at most max payloads at once.
// A max below 1 means 1.
func NewTable(max int) *Table {
	if max < 1 {
		max = 1
	}
	return &Table{
		entries: make(map[uint32][]byte),
		max:     max,
	}
}

// Put stores a copy of payload and returns its reference.
func (t *Table) Put(payload []byte) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.max {
		return 0, fmt.Errorf("%w: %d pending", ErrTableFull, len(t.entries))
	}

	// Skip 0 and references still in use after wrap-around.
	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, used := t.entries[t.next]; !used {
			break
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.entries[t.next] = buf
	return t.next, nil
}

// Fetch returns the payload stored under ref. Callers must not modify it.
func (t *Table) Fetch(ref uint32) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, ok := t.entries[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReference, ref)
	}
	return payload, nil
}

// Release drops ref. Releasing an unknown reference is a no-op.
func (t *Table) Release(ref uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ref)
}

// Len returns the number of payloads currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cap returns the maximum number of payloads held at once.
func (t *Table) Cap() int {
	return t.max
}
