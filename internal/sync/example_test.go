package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/remote"
	"github.com/bugsync/bugsync/internal/remote/remotetest"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/sync"
	"github.com/bugsync/bugsync/internal/types"
)

// The first cycle imports every bug involving the account and marks it read.
func ExampleController_Run() {
	const me = "me@example.com"
	t0 := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

	srv := remotetest.NewServer()
	defer srv.Close()
	for _, b := range []types.Bug{
		{ID: 1, Summary: "reported", Status: "NEW", Creator: me},
		{ID: 2, Summary: "assigned", Status: "ASSIGNED", AssignedTo: me},
		{ID: 3, Summary: "unrelated", Status: "NEW", Creator: "other@example.com"},
	} {
		b.LastChangeTime = t0
		b.Comments = []types.Comment{{ID: b.ID * 10, BugID: b.ID, Creator: b.Creator, CreationTime: t0}}
		srv.Put(b)
	}

	quiet := log.New(io.Discard, "", 0)
	rc, err := remote.New(remote.Config{BaseURL: srv.URL()}, quiet)
	if err != nil {
		log.Fatal(err)
	}
	s := store.NewMemory()
	c := cache.New(s, quiet)
	ctrl := sync.New(rc, c, prefs.New(s), sync.Config{Email: me, Logger: quiet})

	ctx := context.Background()
	res, err := ctrl.Run(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("first run: %v, listed: %d, created: %d, advanced: %v\n",
		res.FirstRun, res.Listed, res.Created, res.Advanced)

	e, _, _ := c.Get(ctx, 2)
	fmt.Printf("bug 2 unread: %v\n", e.Unread())

	// Output:
	// first run: true, listed: 2, created: 2, advanced: true
	// bug 2 unread: false
}
