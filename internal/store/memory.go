package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process RecordStore. It mirrors the SQLite backend's
// semantics, including ErrNotFound and ErrStorageUnavailable after Close.
type Memory struct {
	mu          sync.RWMutex
	partitions  map[string]map[string]Record
	closed      bool
	unavailable bool
}

var _ RecordStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]map[string]Record)}
}

// SetUnavailable makes every subsequent operation fail with
// ErrStorageUnavailable, simulating a store that was opened in a restricted
// environment or ran out of quota.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// Partition implements RecordStore.
func (m *Memory) Partition(name string) Partition {
	return &memPartition{m: m, name: name}
}

// Reset implements RecordStore.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.partitions = make(map[string]map[string]Record)
	return nil
}

// Close implements RecordStore.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) check() error {
	if m.closed {
		return fmt.Errorf("%w: store is closed", ErrStorageUnavailable)
	}
	if m.unavailable {
		return fmt.Errorf("%w: store is not writable", ErrStorageUnavailable)
	}
	return nil
}

type memPartition struct {
	m    *Memory
	name string
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Get(ctx context.Context, key string) (json.RawMessage, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	if err := p.m.check(); err != nil {
		return nil, err
	}
	rec, ok := p.m.partitions[p.name][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", p.name, key, ErrNotFound)
	}
	return append(json.RawMessage(nil), rec.Value...), nil
}

func (p *memPartition) Put(ctx context.Context, key string, value json.RawMessage) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.check(); err != nil {
		return err
	}
	part, ok := p.m.partitions[p.name]
	if !ok {
		part = make(map[string]Record)
		p.m.partitions[p.name] = part
	}
	part[key] = Record{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (p *memPartition) Delete(ctx context.Context, key string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if err := p.m.check(); err != nil {
		return err
	}
	delete(p.m.partitions[p.name], key)
	return nil
}

func (p *memPartition) GetAll(ctx context.Context) ([]Record, error) {
	p.m.mu.RLock()
	defer p.m.mu.RUnlock()
	if err := p.m.check(); err != nil {
		return nil, err
	}
	part := p.m.partitions[p.name]
	records := make([]Record, 0, len(part))
	for _, rec := range part {
		rec.Value = append(json.RawMessage(nil), rec.Value...)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}
