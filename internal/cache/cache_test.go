package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/types"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func record(id int) *types.Bug {
	return &types.Bug{
		ID:             id,
		Summary:        "bug " + strconv.Itoa(id),
		Status:         "NEW",
		Creator:        "reporter@example.com",
		LastChangeTime: t0,
		Comments:       []types.Comment{{ID: id * 10, CreationTime: t0.Add(-time.Hour)}},
	}
}

func TestAdd_CreatesAndPersists(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, quietLogger())

	e, res, err := c.Add(ctx, record(1), bug.MergeOptions{})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if !res.Created || e.ID() != 1 {
		t.Errorf("Add() = %+v, id %d", res, e.ID())
	}

	got, err := store.GetJSON[types.Bug](ctx, s.Partition(store.PartitionBugs), "1")
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if got.Summary != "bug 1" || !got.Unread {
		t.Errorf("stored record = %+v", got)
	}
}

func TestAdd_OneEntityPerID(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), quietLogger())

	var wg sync.WaitGroup
	entities := make([]*bug.Entity, 20)
	for i := range entities {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := record(7)
			in.Comments = append(in.Comments, types.Comment{ID: 1000 + i, CreationTime: t0.Add(time.Duration(i+1) * time.Second)})
			in.LastChangeTime = t0.Add(time.Duration(i+1) * time.Second)
			e, _, err := c.Add(ctx, in, bug.MergeOptions{})
			if err != nil {
				t.Errorf("Add() failed: %v", err)
				return
			}
			entities[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range entities[1:] {
		if e != entities[0] {
			t.Fatal("concurrent Add() created more than one entity")
		}
	}
	if n, _ := c.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
	if got := len(entities[0].Snapshot().Comments); got != 21 {
		t.Errorf("comments = %d, want 21", got)
	}
}

func TestLoad_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for _, id := range []int{3, 1, 2} {
		rec := record(id)
		rec.Unread = id == 2
		if err := store.PutJSON(ctx, s.Partition(store.PartitionBugs), strconv.Itoa(id), rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Partition(store.PartitionBugs).Put(ctx, "junk", []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	c := New(s, quietLogger())
	all, err := c.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("GetAll() returned %d entities, want 3", len(all))
	}
	for i, e := range all {
		if e.ID() != i+1 {
			t.Errorf("GetAll()[%d] = bug %d, want ordered by id", i, e.ID())
		}
	}
	if e, ok, _ := c.Get(ctx, 2); !ok || !e.Unread() {
		t.Error("hydrated bug 2 lost its unread flag")
	}
}

func TestGet_InvalidID(t *testing.T) {
	c := New(store.NewMemory(), quietLogger())
	if _, _, err := c.Get(context.Background(), 0); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Get(0) error = %v, want ErrInvalidID", err)
	}
	if _, err := c.GetOrPlaceholder(context.Background(), -5); !errors.Is(err, ErrInvalidID) {
		t.Errorf("GetOrPlaceholder(-5) error = %v, want ErrInvalidID", err)
	}
}

func TestGetSome_SkipsUnknown(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), quietLogger())
	for _, id := range []int{1, 2} {
		if _, _, err := c.Add(ctx, record(id), bug.MergeOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.GetSome(ctx, []int{2, 99, 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID() != 2 || got[1].ID() != 1 {
		t.Errorf("GetSome() returned %d entities", len(got))
	}
}

func TestGetOrPlaceholder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, quietLogger())

	p, err := c.GetOrPlaceholder(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if p.HasData() {
		t.Error("placeholder reports data")
	}
	if _, err := s.Partition(store.PartitionBugs).Get(ctx, "42"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("placeholder was persisted: %v", err)
	}

	e, res, err := c.Add(ctx, record(42), bug.MergeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if e != p || !res.Created {
		t.Error("Add() did not fill the existing placeholder")
	}
}

func TestAdd_StoresUserDetails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, quietLogger())

	in := record(5)
	in.CreatorDetail = &types.UserDetail{ID: 9, Email: "reporter@example.com", RealName: "Rita Reporter"}
	if _, _, err := c.Add(ctx, in, bug.MergeOptions{}); err != nil {
		t.Fatal(err)
	}

	u, err := c.User(ctx, "reporter@example.com")
	if err != nil {
		t.Fatalf("User() failed: %v", err)
	}
	if u.RealName != "Rita Reporter" {
		t.Errorf("User() = %+v", u)
	}
	stored, _ := store.GetJSON[types.Bug](ctx, s.Partition(store.PartitionBugs), "5")
	if stored.CreatorDetail != nil {
		t.Error("user detail persisted on the bug record")
	}
}

func TestStarredIDs(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), quietLogger())
	for _, id := range []int{3, 1, 2} {
		e, _, err := c.Add(ctx, record(id), bug.MergeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if id != 2 {
			if err := e.SetStarred(ctx, true); err != nil {
				t.Fatal(err)
			}
		}
	}

	ids, err := c.StarredIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("StarredIDs() = %v, want [1 3]", ids)
	}
}

func TestListen(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), quietLogger())

	var got []bug.Event
	cancel := c.Listen(func(ev bug.Event) { got = append(got, ev) })

	if _, _, err := c.Add(ctx, record(1), bug.MergeOptions{}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, _, err := c.Add(ctx, record(2), bug.MergeOptions{}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0].Kind != bug.EventCreated || got[0].BugID != 1 {
		t.Errorf("events = %+v", got)
	}
}

func TestLoad_StorageUnavailable(t *testing.T) {
	s := store.NewMemory()
	s.SetUnavailable(true)
	c := New(s, quietLogger())

	if _, err := c.GetAll(context.Background()); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("GetAll() error = %v, want ErrStorageUnavailable", err)
	}

	s.SetUnavailable(false)
	if _, err := c.GetAll(context.Background()); err != nil {
		t.Errorf("GetAll() after recovery failed: %v", err)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := New(s, quietLogger())
	if _, _, err := c.Add(ctx, record(1), bug.MergeOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	c.Reset()

	if n, _ := c.Len(ctx); n != 0 {
		t.Errorf("Len() after reset = %d, want 0", n)
	}
}

func TestAdd_KeepsStarFromAnotherCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	daemonSide := New(s, quietLogger())
	if _, _, err := daemonSide.Add(ctx, record(1), bug.MergeOptions{MarkRead: true}); err != nil {
		t.Fatal(err)
	}

	// A second cache over the same store, as a CLI command would open.
	cli := New(s, quietLogger())
	e, ok, err := cli.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Get(1) = %v, %v", ok, err)
	}
	if err := e.SetStarred(ctx, true); err != nil {
		t.Fatal(err)
	}

	in := record(1)
	in.LastChangeTime = t0.Add(time.Hour)
	in.Comments = append(in.Comments, types.Comment{ID: 11, CreationTime: t0.Add(time.Hour)})
	if _, _, err := daemonSide.Add(ctx, in, bug.MergeOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetJSON[types.Bug](ctx, s.Partition(store.PartitionBugs), "1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Starred() || len(got.Comments) != 2 {
		t.Errorf("stored record = %+v, want starred with 2 comments", got)
	}
}
