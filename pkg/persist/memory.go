package persist

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend. Fail hooks let tests inject I/O errors.
type Memory struct {
	mu        sync.RWMutex
	records   map[string][]byte
	snapshots map[string]map[string][]byte

	// FailPut, when set, is consulted before every Put
	FailPut func(id string) error
	// FailDelete, when set, is consulted before every Delete
	FailDelete func(id string) error
	// FailSnapshot, when set, is consulted before every PutSnapshot
	FailSnapshot func(id string) error
	// Delay, when set, is waited out (or until ctx is done) before writes
	Delay time.Duration
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string][]byte),
		snapshots: make(map[string]map[string][]byte),
	}
}

func (m *Memory) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put stores a copy of record under id
func (m *Memory) Put(ctx context.Context, id string, record []byte) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = slices.Clone(record)
	return nil
}

// Get returns a copy of the record stored under id
func (m *Memory) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotExist
	}
	return slices.Clone(rec), nil
}

// Delete removes the record stored under id
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.FailDelete != nil {
		if err := m.FailDelete(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotExist
	}
	delete(m.records, id)
	return nil
}

// ListIDs returns every stored id in sorted order
func (m *Memory) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Corrupt overwrites a stored record without going through Put
func (m *Memory) Corrupt(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = slices.Clone(data)
}

// PutSnapshot stores data under (id, ts), refusing to overwrite
func (m *Memory) PutSnapshot(ctx context.Context, id string, ts time.Time, data []byte) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.FailSnapshot != nil {
		if err := m.FailSnapshot(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byTS, ok := m.snapshots[id]
	if !ok {
		byTS = make(map[string][]byte)
		m.snapshots[id] = byTS
	}
	key := FormatTimestamp(ts)
	if _, exists := byTS[key]; exists {
		return ErrSnapshotExists
	}
	byTS[key] = slices.Clone(data)
	return nil
}

// ListSnapshots returns the snapshot timestamps for id, oldest first
func (m *Memory) ListSnapshots(ctx context.Context, id string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.snapshots[id]))
	for k := range m.snapshots[id] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		ts, err := ParseTimestamp(k)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

// GetSnapshot returns the snapshot stored under (id, ts)
func (m *Memory) GetSnapshot(ctx context.Context, id string, ts time.Time) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snapshots[id][FormatTimestamp(ts)]
	if !ok {
		return nil, ErrNotExist
	}
	return slices.Clone(data), nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
