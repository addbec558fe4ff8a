package bug_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/types"
)

// A viewed bug receives a new comment: it turns unread and listeners get one
// update for the comment's timestamp.
func ExampleEntity_Merge() {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	viewed := t0
	cached := &types.Bug{
		ID: 42, Summary: "Crash on startup", Status: "NEW",
		LastChangeTime: t0, LastViewed: &viewed,
	}

	discard := bug.SaverFunc(func(ctx context.Context, b *types.Bug) error { return nil })
	e := bug.New(cached, discard, func(ev bug.Event) {
		if ev.Update != nil {
			fmt.Printf("%s bug %d at %s: %d comment(s)\n",
				ev.Kind, ev.BugID, ev.Update.When.Format(time.Kitchen), len(ev.Update.Comments))
			return
		}
		fmt.Printf("%s bug %d\n", ev.Kind, ev.BugID)
	})

	at := t0.Add(30 * time.Minute)
	res, err := e.Merge(context.Background(), &types.Bug{
		ID:             42,
		LastChangeTime: at,
		Comments:       []types.Comment{{ID: 7, BugID: 42, Creator: "dev@example.com", CreationTime: at}},
	}, bug.MergeOptions{IgnoreCC: true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("new items: %d, unread: %v\n", res.NewItems, res.Unread)

	// Merging the same record again changes nothing.
	res, _ = e.Merge(context.Background(), &types.Bug{ID: 42, LastChangeTime: at}, bug.MergeOptions{})
	fmt.Printf("changed again: %v\n", res.Changed)

	// Output:
	// updated bug 42 at 10:30AM: 1 comment(s)
	// new items: 1, unread: true
	// changed again: false
}
