package cache_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/types"
)

func ExampleCache_Add() {
	ctx := context.Background()
	c := cache.New(store.NewMemory(), log.New(io.Discard, "", 0))

	stop := c.Listen(func(ev bug.Event) { fmt.Printf("event: %s bug %d\n", ev.Kind, ev.BugID) })
	defer stop()

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := &types.Bug{
		ID: 7, Summary: "Slow scrolling", Status: "NEW", LastChangeTime: t0,
		Comments: []types.Comment{{ID: 70, BugID: 7, Creator: "reporter@example.com", CreationTime: t0}},
	}

	// The first sync marks everything it fetches as read.
	e, res, err := c.Add(ctx, rec, bug.MergeOptions{MarkRead: true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created: %v, unread: %v\n", res.Created, e.Unread())

	if err := e.SetStarred(ctx, true); err != nil {
		log.Fatal(err)
	}
	ids, _ := c.StarredIDs(ctx)
	fmt.Println("starred:", ids)

	// Output:
	// event: created bug 7
	// created: true, unread: false
	// event: annotated bug 7
	// starred: [7]
}
