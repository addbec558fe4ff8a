// Package cache holds every locally known bug as a bug.Entity.
//
// The cache is hydrated lazily from the bugs partition the first time it is
// used, and keeps exactly one Entity per bug ID for its whole lifetime. All
// remote data enters through Add, which routes it to Entity.Merge.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/types"
)

// ErrInvalidID is returned for bug IDs that are not positive.
var ErrInvalidID = errors.New("invalid bug id")

// Cache is the in-memory collection of bug entities.
type Cache struct {
	bugs   store.Partition
	users  store.Partition
	logger *log.Logger

	loadMu sync.Mutex
	loaded bool

	mu       sync.RWMutex
	entities map[int]*bug.Entity

	lmu       sync.RWMutex
	listeners map[int]bug.Listener
	nextID    int
}

// New creates a cache over s. Nothing is read until the first access.
//
// If logger is nil, a default logger writing to stderr is used.
func New(s store.RecordStore, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{
		bugs:      s.Partition(store.PartitionBugs),
		users:     s.Partition(store.PartitionUsers),
		logger:    logger,
		entities:  make(map[int]*bug.Entity),
		listeners: make(map[int]bug.Listener),
	}
}

// Load hydrates the cache from the store. It is called implicitly by every
// accessor and only reads the store once; a failed load is retried on the
// next call.
func (c *Cache) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}

	records, err := c.bugs.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bugs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		var b types.Bug
		if err := json.Unmarshal(r.Value, &b); err != nil {
			c.logger.Printf("WARNING: Skipping unreadable bug record %s: %v", r.Key, err)
			continue
		}
		if b.ID <= 0 {
			c.logger.Printf("WARNING: Skipping bug record %s with id %d", r.Key, b.ID)
			continue
		}
		// Entities created before the load (placeholders) win.
		if _, ok := c.entities[b.ID]; ok {
			continue
		}
		c.entities[b.ID] = c.newEntity(&b)
	}
	c.loaded = true
	return nil
}

// Get returns the entity for id. ok is false when the bug is unknown.
func (c *Cache) Get(ctx context.Context, id int) (e *bug.Entity, ok bool, err error) {
	if id <= 0 {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if err := c.Load(ctx); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok = c.entities[id]
	return e, ok, nil
}

// GetSome returns the entities for ids in the order requested. Unknown IDs
// are skipped.
func (c *Cache) GetSome(ctx context.Context, ids []int) ([]*bug.Entity, error) {
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*bug.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAll returns every entity ordered by bug ID.
func (c *Cache) GetAll(ctx context.Context) ([]*bug.Entity, error) {
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	ids := make([]int, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Ints(ids)
	return c.GetSome(ctx, ids)
}

// Len returns the number of cached entities, placeholders included.
func (c *Cache) Len(ctx context.Context) (int, error) {
	if err := c.Load(ctx); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities), nil
}

// GetOrPlaceholder returns the entity for id, creating a placeholder without
// metadata if the bug is unknown. Placeholders are not persisted until they
// are annotated or merged.
func (c *Cache) GetOrPlaceholder(ctx context.Context, id int) (*bug.Entity, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entities[id]; ok {
		return e, nil
	}
	e := c.newEntity(&types.Bug{ID: id})
	c.entities[id] = e
	return e, nil
}

// Add merges an incoming record into the cache, creating the entity if the
// bug is unknown. User detail objects carried by the record are written to
// the users partition; a failure there is logged and does not fail the merge.
func (c *Cache) Add(ctx context.Context, incoming *types.Bug, opts bug.MergeOptions) (*bug.Entity, bug.MergeResult, error) {
	if incoming == nil {
		return nil, bug.MergeResult{}, fmt.Errorf("nil bug record")
	}
	if err := incoming.Validate(); err != nil {
		return nil, bug.MergeResult{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	e, err := c.GetOrPlaceholder(ctx, incoming.ID)
	if err != nil {
		return nil, bug.MergeResult{}, err
	}

	for _, u := range incoming.UserDetails() {
		if err := store.PutJSON(ctx, c.users, u.Email, u); err != nil {
			c.logger.Printf("WARNING: Failed to store user %s: %v", u.Email, err)
		}
	}

	res, err := e.Merge(ctx, incoming, opts)
	return e, res, err
}

// User returns the stored detail record for email.
func (c *Cache) User(ctx context.Context, email string) (types.UserDetail, error) {
	return store.GetJSON[types.UserDetail](ctx, c.users, email)
}

// StarredIDs returns the IDs of every starred bug in ascending order.
func (c *Cache) StarredIDs(ctx context.Context) ([]int, error) {
	all, err := c.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range all {
		if e.Starred() {
			ids = append(ids, e.ID())
		}
	}
	return ids, nil
}

// Listen registers l for events from every entity in the cache. The
// returned function removes the listener.
func (c *Cache) Listen(l bug.Listener) (cancel func()) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		delete(c.listeners, id)
	}
}

// Reset drops every in-memory entity. The next access hydrates from the
// store again. It does not touch the store; wiping the account's data is the
// caller's job.
func (c *Cache) Reset() {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[int]*bug.Entity)
	c.loaded = false
}

func (c *Cache) newEntity(b *types.Bug) *bug.Entity {
	return bug.New(b, recordSaver{c}, c.dispatch)
}

func (c *Cache) save(ctx context.Context, b *types.Bug) error {
	return store.PutJSON(ctx, c.bugs, strconv.Itoa(b.ID), b)
}

// recordSaver persists entities to the bugs partition and reads them back,
// which lets entities pick up annotations written by other processes.
type recordSaver struct{ c *Cache }

func (s recordSaver) Save(ctx context.Context, b *types.Bug) error {
	return s.c.save(ctx, b)
}

func (s recordSaver) Load(ctx context.Context, id int) (*types.Bug, bool, error) {
	b, err := store.GetJSON[types.Bug](ctx, s.c.bugs, strconv.Itoa(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (c *Cache) dispatch(ev bug.Event) {
	c.lmu.RLock()
	ls := make([]bug.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.lmu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}
