package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/remote"
	"github.com/bugsync/bugsync/internal/types"
)

// DefaultBatchSize is the number of bugs fetched per detail batch.
const DefaultBatchSize = 100

// User-facing status messages.
const (
	MessageOffline = "You are offline"
	MessageFailed  = "Failed to load data"
)

// involvementFields are the search fields matched against the account email.
var involvementFields = []string{
	"cc",
	"reporter",
	"assigned_to",
	"qa_contact",
	"bug_mentor",
	"requestees.login_name",
}

// State is the phase of a sync cycle.
type State int

const (
	Idle State = iota
	ListingChanges
	FetchingDetails
	Merging
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ListingChanges:
		return "listing"
	case FetchingDetails:
		return "fetching"
	case Merging:
		return "merging"
	default:
		return "unknown"
	}
}

// Remote is the subset of the REST client the controller uses.
type Remote interface {
	Online(ctx context.Context) error
	Search(ctx context.Context, q *remote.Query) ([]types.Bug, error)
	Bugs(ctx context.Context, ids []int) ([]types.Bug, error)
	Comments(ctx context.Context, ids []int) (map[int][]types.Comment, error)
	History(ctx context.Context, ids []int) (map[int][]types.HistoryEntry, error)
	Attachments(ctx context.Context, ids []int) (map[int][]types.Attachment, error)
	Attachment(ctx context.Context, id int, withData bool) (*types.Attachment, error)
}

var _ Remote = (*remote.Client)(nil)

// Config holds controller settings.
type Config struct {
	// Email identifies the account whose bugs are synced.
	Email string

	// BatchSize is the number of bugs per detail batch. Default: 100.
	BatchSize int

	// Logger receives progress and warnings. Default: stderr with a
	// "[sync] " prefix.
	Logger *log.Logger
}

// Result summarizes one Run.
type Result struct {
	CycleID       string
	Coalesced     bool // another cycle was active; it will run again
	FirstRun      bool
	Since         time.Time // zero on the first run
	Listed        int
	Created       int
	Updated       int
	FailedBatches int
	FailedMerges  int
	Advanced      bool // last-loaded watermark moved
	Started       time.Time
	Finished      time.Time
}

// Controller runs sync cycles for one account.
type Controller struct {
	remote    Remote
	cache     *cache.Cache
	prefs     *prefs.Prefs
	email     string
	batchSize int
	logger    *log.Logger
	now       func() time.Time

	mu      gosync.Mutex
	state   State
	running bool
	again   bool
	last    Result
	lastErr error
}

// New creates a controller.
func New(r Remote, c *cache.Cache, p *prefs.Prefs, cfg Config) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Controller{
		remote:    r,
		cache:     c,
		prefs:     p,
		email:     cfg.Email,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the result and error of the most recently finished cycle.
func (c *Controller) Last() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastErr
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run performs a sync cycle. If a cycle is already active, Run flags it to
// run once more and returns a Result with Coalesced set.
//
// An offline remote yields an error wrapping remote.ErrNetworkUnavailable;
// callers should treat it as a skipped cycle rather than a failure.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.running {
		c.again = true
		c.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	c.running = true
	c.mu.Unlock()

	for {
		res, err := c.cycle(ctx)

		c.mu.Lock()
		c.state = Idle
		c.last, c.lastErr = res, err
		if !c.again || ctx.Err() != nil {
			c.running = false
			c.again = false
			c.mu.Unlock()
			return res, err
		}
		c.again = false
		c.mu.Unlock()
	}
}

func (c *Controller) cycle(ctx context.Context) (Result, error) {
	res := Result{CycleID: uuid.NewString(), Started: c.now()}
	defer func() { res.Finished = c.now() }()

	if err := c.remote.Online(ctx); err != nil {
		c.logger.Printf("Offline, skipping cycle %s: %v", res.CycleID, err)
		return res, err
	}

	c.setState(ListingChanges)

	since, synced, err := c.prefs.LastLoaded(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read last sync time: %w", err)
	}
	res.FirstRun = !synced
	if synced {
		res.Since = since
	}
	ignoreCC, err := c.prefs.IgnoreCC(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read preferences: %w", err)
	}
	starred, err := c.cache.StarredIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read starred bugs: %w", err)
	}

	issued := c.now()
	ids, err := c.listChanges(ctx, res.Since, res.FirstRun, starred)
	if err != nil {
		return res, err
	}
	res.Listed = len(ids)
	c.logger.Printf("Cycle %s: %d bugs changed (first run: %v)", res.CycleID, len(ids), res.FirstRun)

	opts := bug.MergeOptions{IgnoreCC: ignoreCC, MarkRead: res.FirstRun}
	for start := 0; start < len(ids); start += c.batchSize {
		batch := ids[start:min(start+c.batchSize, len(ids))]

		c.setState(FetchingDetails)
		records, err := c.fetchDetails(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			c.logger.Printf("WARNING: Failed to fetch batch %d-%d: %v", batch[0], batch[len(batch)-1], err)
			res.FailedBatches++
			continue
		}

		c.setState(Merging)
		for _, rec := range records {
			mr, err := c.merge(ctx, rec, opts)
			if err != nil {
				c.logger.Printf("WARNING: Failed to merge bug %d: %v", rec.ID, err)
				res.FailedMerges++
				continue
			}
			switch {
			case mr.Created:
				res.Created++
			case mr.Changed:
				res.Updated++
			}
		}
	}

	if res.FailedBatches > 0 || res.FailedMerges > 0 {
		c.logger.Printf("Cycle %s incomplete: %d failed batches, %d failed merges; keeping last sync time",
			res.CycleID, res.FailedBatches, res.FailedMerges)
		return res, nil
	}

	if err := c.prefs.SetLastLoaded(ctx, issued); err != nil {
		return res, fmt.Errorf("failed to save last sync time: %w", err)
	}
	res.Advanced = true
	c.logger.Printf("Cycle %s complete: created=%d updated=%d", res.CycleID, res.Created, res.Updated)
	return res, nil
}

// listChanges returns the sorted, deduplicated IDs of bugs to refresh.
func (c *Controller) listChanges(ctx context.Context, since time.Time, firstRun bool, starred []int) ([]int, error) {
	if c.email == "" && len(starred) == 0 {
		return nil, nil
	}
	listed, err := c.remote.Search(ctx, ChangesQuery(c.email, since, firstRun, starred))
	if err != nil {
		return nil, fmt.Errorf("failed to list changed bugs: %w", err)
	}

	seen := make(map[int]bool, len(listed))
	ids := make([]int, 0, len(listed))
	for _, b := range listed {
		if b.ID <= 0 || seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		ids = append(ids, b.ID)
	}
	sort.Ints(ids)
	return ids, nil
}

// ChangesQuery builds the change listing:
//
//	(changed since | first run: unresolved) AND (involves email OR starred)
func ChangesQuery(email string, since time.Time, firstRun bool, starred []int) *remote.Query {
	q := remote.NewQuery()
	if firstRun {
		q.Where("resolution", "equals", "---")
	} else {
		q.Where("delta_ts", "greaterthan", since.UTC().Format(time.RFC3339))
	}
	q.OpenOr()
	if email != "" {
		for _, f := range involvementFields {
			q.Where(f, "equals", email)
		}
	}
	if len(starred) > 0 {
		q.Where("bug_id", "anyexact", remote.JoinIDs(starred))
	}
	q.Close()
	return q.IncludeFields(remote.ListFields...)
}

// fetchDetails fetches full records for ids. The four sub-requests run in
// parallel; any failure fails the whole batch. Records come back in the
// order of ids. Bugs the remote did not return are skipped.
func (c *Controller) fetchDetails(ctx context.Context, ids []int) ([]*types.Bug, error) {
	var (
		meta        []types.Bug
		comments    map[int][]types.Comment
		history     map[int][]types.HistoryEntry
		attachments map[int][]types.Attachment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		meta, err = c.remote.Bugs(gctx, ids)
		return err
	})
	g.Go(func() (err error) {
		comments, err = c.remote.Comments(gctx, ids)
		return err
	})
	g.Go(func() (err error) {
		history, err = c.remote.History(gctx, ids)
		return err
	})
	g.Go(func() (err error) {
		attachments, err = c.remote.Attachments(gctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[int]types.Bug, len(meta))
	for _, b := range meta {
		byID[b.ID] = b
	}

	out := make([]*types.Bug, 0, len(ids))
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			c.logger.Printf("WARNING: Bug %d missing from detail response", id)
			continue
		}
		b.Comments = comments[id]
		b.History = history[id]
		b.Attachments = attachments[id]
		out = append(out, &b)
	}
	return out, nil
}

func (c *Controller) merge(ctx context.Context, rec *types.Bug, opts bug.MergeOptions) (bug.MergeResult, error) {
	_, res, err := c.cache.Add(ctx, rec, opts)
	return res, err
}

// RefreshBug fetches one bug in full and merges it through the same path as
// a sync cycle. It is what the push client calls on an update.
func (c *Controller) RefreshBug(ctx context.Context, id int) (bug.MergeResult, error) {
	records, err := c.fetchDetails(ctx, []int{id})
	if err != nil {
		return bug.MergeResult{}, fmt.Errorf("failed to fetch bug %d: %w", id, err)
	}
	if len(records) == 0 {
		return bug.MergeResult{}, fmt.Errorf("bug %d: %w", id, ErrBugNotReturned)
	}
	ignoreCC, err := c.prefs.IgnoreCC(ctx)
	if err != nil {
		return bug.MergeResult{}, fmt.Errorf("failed to read preferences: %w", err)
	}
	res, err := c.merge(ctx, records[0], bug.MergeOptions{IgnoreCC: ignoreCC})
	if err != nil {
		return res, fmt.Errorf("failed to merge bug %d: %w", id, err)
	}
	return res, nil
}

// FetchAttachment returns an attachment with its binary payload. The payload
// is never written to the cache.
func (c *Controller) FetchAttachment(ctx context.Context, id int) (*types.Attachment, error) {
	return c.remote.Attachment(ctx, id, true)
}

// ErrBugNotReturned is returned by RefreshBug when the remote omits the bug,
// usually because the account cannot see it.
var ErrBugNotReturned = errors.New("bug not returned by remote")

// StatusMessage maps a sync error to the text shown to the user. It returns
// an empty string for nil.
func StatusMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, remote.ErrNetworkUnavailable):
		return MessageOffline
	default:
		return MessageFailed
	}
}
