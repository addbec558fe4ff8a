package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	gosync "sync"
	"testing"
	"time"

	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/remote"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/types"
)

const me = "me@example.com"

var t0 = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

// fakeRemote serves full bug records from memory.
type fakeRemote struct {
	mu        gosync.Mutex
	bugs      map[int]*types.Bug
	offline   bool
	searchErr error
	failIDs   map[int]bool
	queries   []*remote.Query
	searches  int

	// When block is set, the first Search signals started and waits.
	block   chan struct{}
	started chan struct{}
}

func newFakeRemote(bugs ...*types.Bug) *fakeRemote {
	f := &fakeRemote{bugs: make(map[int]*types.Bug), failIDs: make(map[int]bool)}
	for _, b := range bugs {
		f.bugs[b.ID] = b
	}
	return f
}

func (f *fakeRemote) Online(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return fmt.Errorf("%w: dial tcp: no route to host", remote.ErrNetworkUnavailable)
	}
	return nil
}

func (f *fakeRemote) Search(ctx context.Context, q *remote.Query) ([]types.Bug, error) {
	f.mu.Lock()
	f.searches++
	f.queries = append(f.queries, q)
	first := f.searches == 1
	block, started := f.block, f.started
	f.mu.Unlock()

	if first && block != nil {
		close(started)
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []types.Bug
	for id, b := range f.bugs {
		out = append(out, types.Bug{ID: id, LastChangeTime: b.LastChangeTime})
	}
	return out, nil
}

func (f *fakeRemote) checkBatch(ids []int) error {
	for _, id := range ids {
		if f.failIDs[id] {
			return &remote.RequestError{Method: "GET", URL: "/bug", Status: 500}
		}
	}
	return nil
}

func (f *fakeRemote) Bugs(ctx context.Context, ids []int) ([]types.Bug, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBatch(ids); err != nil {
		return nil, err
	}
	var out []types.Bug
	// Reverse order: the controller must not rely on response order.
	for i := len(ids) - 1; i >= 0; i-- {
		if b, ok := f.bugs[ids[i]]; ok {
			m := *b.Clone()
			m.Comments, m.History, m.Attachments = nil, nil, nil
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) Comments(ctx context.Context, ids []int) (map[int][]types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int][]types.Comment)
	for _, id := range ids {
		if b, ok := f.bugs[id]; ok {
			out[id] = b.Clone().Comments
		}
	}
	return out, nil
}

func (f *fakeRemote) History(ctx context.Context, ids []int) (map[int][]types.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int][]types.HistoryEntry)
	for _, id := range ids {
		if b, ok := f.bugs[id]; ok {
			out[id] = b.Clone().History
		}
	}
	return out, nil
}

func (f *fakeRemote) Attachments(ctx context.Context, ids []int) (map[int][]types.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int][]types.Attachment)
	for _, id := range ids {
		if b, ok := f.bugs[id]; ok {
			atts := b.Clone().Attachments
			for i := range atts {
				atts[i].Data = nil
			}
			out[id] = atts
		}
	}
	return out, nil
}

func (f *fakeRemote) Attachment(ctx context.Context, id int, withData bool) (*types.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bugs {
		for _, a := range b.Attachments {
			if a.ID == id {
				a := a
				if !withData {
					a.Data = nil
				}
				return &a, nil
			}
		}
	}
	return nil, &remote.RequestError{Method: "GET", URL: "/bug/attachment", Status: 404}
}

func (f *fakeRemote) update(id int, fn func(b *types.Bug)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.bugs[id])
}

func (f *fakeRemote) lastQuery() *remote.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func remoteBug(id int) *types.Bug {
	return &types.Bug{
		ID:             id,
		Summary:        fmt.Sprintf("bug %d", id),
		Status:         "NEW",
		AssignedTo:     me,
		CreationTime:   t0.Add(-time.Hour),
		LastChangeTime: t0,
		Comments:       []types.Comment{{ID: id * 10, BugID: id, CreationTime: t0.Add(-time.Hour), Text: "description"}},
	}
}

type harness struct {
	remote *fakeRemote
	store  *store.Memory
	cache  *cache.Cache
	prefs  *prefs.Prefs
	ctrl   *Controller
	clock  time.Time
}

func newHarness(t *testing.T, r *fakeRemote, batchSize int) *harness {
	t.Helper()
	s := store.NewMemory()
	h := &harness{remote: r, store: s, prefs: prefs.New(s), clock: t0.Add(time.Minute)}
	h.cache = cache.New(s, log.New(io.Discard, "", 0))
	h.ctrl = New(r, h.cache, h.prefs, Config{Email: me, BatchSize: batchSize, Logger: log.New(io.Discard, "", 0)})
	h.ctrl.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) entity(t *testing.T, id int) *types.Bug {
	t.Helper()
	e, ok, err := h.cache.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("bug %d not cached (err=%v)", id, err)
	}
	return e.Snapshot()
}

func TestRun_FirstRunMarksRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(remoteBug(1), remoteBug(2)), 0)

	res, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !res.FirstRun || res.Created != 2 || !res.Advanced {
		t.Errorf("Run() = %+v", res)
	}
	for _, id := range []int{1, 2} {
		if b := h.entity(t, id); b.Unread || len(b.Comments) != 1 {
			t.Errorf("bug %d after first run: unread=%v comments=%d", id, b.Unread, len(b.Comments))
		}
	}

	q := h.remote.lastQuery().Values()
	if q.Get("f1") != "resolution" || q.Get("v1") != "---" {
		t.Errorf("first run query = %v", q)
	}

	got, ok, err := h.prefs.LastLoaded(ctx)
	if err != nil || !ok || !got.Equal(h.clock) {
		t.Errorf("LastLoaded() = %v, %v, %v; want %v", got, ok, err, h.clock)
	}
	if h.ctrl.State() != Idle {
		t.Errorf("State() = %v after Run", h.ctrl.State())
	}
}

func TestRun_IncrementalMarksUnread(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(remoteBug(1)), 0)
	if _, err := h.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	firstSync := h.clock

	h.remote.update(1, func(b *types.Bug) {
		b.LastChangeTime = t0.Add(2 * time.Minute)
		b.Comments = append(b.Comments, types.Comment{ID: 11, BugID: 1, CreationTime: b.LastChangeTime, Text: "ping"})
	})
	h.clock = t0.Add(5 * time.Minute)

	res, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.FirstRun || res.Updated != 1 {
		t.Errorf("Run() = %+v", res)
	}
	if b := h.entity(t, 1); !b.Unread || len(b.Comments) != 2 {
		t.Errorf("bug 1: unread=%v comments=%d", b.Unread, len(b.Comments))
	}

	q := h.remote.lastQuery().Values()
	if q.Get("f1") != "delta_ts" || q.Get("v1") != firstSync.Format(time.RFC3339) {
		t.Errorf("incremental query = %v", q)
	}
}

func TestRun_StarredIDsInQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(remoteBug(5), remoteBug(3)), 0)
	if _, err := h.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int{5, 3} {
		e, _, _ := h.cache.Get(ctx, id)
		if err := e.SetStarred(ctx, true); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	q := h.remote.lastQuery().Values()
	found := false
	for k, v := range q {
		if len(v) > 0 && v[0] == "3,5" && q.Get("o"+k[1:]) == "anyexact" {
			found = true
		}
	}
	if !found {
		t.Errorf("starred IDs missing from query: %v", q)
	}
}

func TestRun_ListFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(remoteBug(1))
	r.searchErr = &remote.RequestError{Method: "GET", URL: "/bug", Status: 503}
	h := newHarness(t, r, 0)

	_, err := h.ctrl.Run(ctx)
	if !errors.Is(err, remote.ErrRequestFailed) {
		t.Fatalf("Run() error = %v, want ErrRequestFailed", err)
	}
	if _, ok, _ := h.prefs.LastLoaded(ctx); ok {
		t.Error("last_loaded advanced after a list failure")
	}
	if StatusMessage(err) != MessageFailed {
		t.Errorf("StatusMessage() = %q", StatusMessage(err))
	}
}

func TestRun_FailedBatchIsolated(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(remoteBug(1), remoteBug(2), remoteBug(3), remoteBug(4))
	r.failIDs[3] = true
	h := newHarness(t, r, 2)

	res, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.FailedBatches != 1 || res.Created != 2 || res.Advanced {
		t.Errorf("Run() = %+v", res)
	}
	for _, id := range []int{1, 2} {
		h.entity(t, id)
	}
	if _, ok, _ := h.cache.Get(ctx, 3); ok {
		t.Error("bug 3 from the failed batch was cached")
	}
	if _, ok, _ := h.prefs.LastLoaded(ctx); ok {
		t.Error("last_loaded advanced despite a failed batch")
	}
}

func TestRun_Offline(t *testing.T) {
	r := newFakeRemote(remoteBug(1))
	r.offline = true
	h := newHarness(t, r, 0)

	_, err := h.ctrl.Run(context.Background())
	if !remote.IsOffline(err) {
		t.Fatalf("Run() error = %v, want ErrNetworkUnavailable", err)
	}
	if StatusMessage(err) != MessageOffline {
		t.Errorf("StatusMessage() = %q", StatusMessage(err))
	}
	if r.searches != 0 {
		t.Errorf("searched %d times while offline", r.searches)
	}
}

func TestRun_Coalesces(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(remoteBug(1))
	r.block = make(chan struct{})
	r.started = make(chan struct{})
	h := newHarness(t, r, 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Run(ctx)
		done <- err
	}()

	<-r.started
	if s := h.ctrl.State(); s != ListingChanges {
		t.Errorf("State() = %v during listing", s)
	}
	for i := 0; i < 3; i++ {
		res, err := h.ctrl.Run(ctx)
		if err != nil || !res.Coalesced {
			t.Fatalf("concurrent Run() = %+v, %v; want coalesced", res, err)
		}
	}
	close(r.block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not finish")
	}

	r.mu.Lock()
	searches := r.searches
	r.mu.Unlock()
	if searches != 2 {
		t.Errorf("searches = %d, want exactly one extra cycle", searches)
	}
}

func TestRefreshBug(t *testing.T) {
	ctx := context.Background()
	r := newFakeRemote(remoteBug(1))
	h := newHarness(t, r, 0)
	if _, err := h.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}

	r.update(1, func(b *types.Bug) {
		b.Status = "RESOLVED"
		b.Resolution = "FIXED"
		b.LastChangeTime = t0.Add(time.Hour)
		b.History = []types.HistoryEntry{{
			Who: "dev@example.com", When: b.LastChangeTime,
			Changes: []types.Change{{FieldName: "status", Removed: "NEW", Added: "RESOLVED"}},
		}}
	})

	res, err := h.ctrl.RefreshBug(ctx, 1)
	if err != nil {
		t.Fatalf("RefreshBug() failed: %v", err)
	}
	if !res.Changed || !res.Unread {
		t.Errorf("RefreshBug() = %+v", res)
	}
	if b := h.entity(t, 1); b.Status != "RESOLVED" || len(b.History) != 1 {
		t.Errorf("bug 1 = %s, %d history entries", b.Status, len(b.History))
	}

	if _, err := h.ctrl.RefreshBug(ctx, 99); !errors.Is(err, ErrBugNotReturned) {
		t.Errorf("RefreshBug(99) error = %v, want ErrBugNotReturned", err)
	}
}

func TestFetchAttachment_NotPersisted(t *testing.T) {
	ctx := context.Background()
	b := remoteBug(1)
	b.Attachments = []types.Attachment{{ID: 77, BugID: 1, FileName: "log.txt", CreationTime: t0, Data: []byte("payload")}}
	h := newHarness(t, newFakeRemote(b), 0)
	if _, err := h.ctrl.Run(ctx); err != nil {
		t.Fatal(err)
	}

	a, err := h.ctrl.FetchAttachment(ctx, 77)
	if err != nil {
		t.Fatalf("FetchAttachment() failed: %v", err)
	}
	if string(a.Data) != "payload" {
		t.Errorf("Data = %q", a.Data)
	}

	stored, err := store.GetJSON[types.Bug](ctx, h.store.Partition(store.PartitionBugs), "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Attachments) != 1 || stored.Attachments[0].Data != nil {
		t.Errorf("stored attachments = %+v", stored.Attachments)
	}
}

func TestChangesQuery_NoEmail(t *testing.T) {
	q := ChangesQuery("", t0, false, []int{9}).Values()
	if q.Get("f3") != "bug_id" || q.Get("v3") != "9" || q.Get("f4") != "CP" {
		t.Errorf("ChangesQuery() = %v", q)
	}
}

func TestStatusMessage(t *testing.T) {
	if StatusMessage(nil) != "" {
		t.Error("StatusMessage(nil) should be empty")
	}
	wrapped := fmt.Errorf("cycle: %w", remote.ErrNetworkUnavailable)
	if StatusMessage(wrapped) != MessageOffline {
		t.Errorf("StatusMessage(wrapped offline) = %q", StatusMessage(wrapped))
	}
	if StatusMessage(store.ErrStorageUnavailable) != MessageFailed {
		t.Error("storage errors should map to the generic failure message")
	}
}
