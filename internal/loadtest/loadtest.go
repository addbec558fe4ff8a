// Package loadtest exercises the bug cache and folder engine under
// concurrent load.
//
// A fixture is a SQLite-backed cache seeded with synthetic bugs, a share of
// which involve the test account. Readers evaluate folder counts while
// writers merge new comments, mirroring a sync cycle running alongside the
// CLI or push-driven refreshes.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bugsync/bugsync/internal/bug"
	"github.com/bugsync/bugsync/internal/cache"
	"github.com/bugsync/bugsync/internal/folders"
	"github.com/bugsync/bugsync/internal/prefs"
	"github.com/bugsync/bugsync/internal/store"
	"github.com/bugsync/bugsync/internal/types"
)

// Email is the account the fixture's folders are evaluated for.
const Email = "load@example.com"

// commentBase keeps comment IDs written by merges clear of seeded ones.
const commentBase = 100_000_000

// Fixture is a populated cache for load testing.
type Fixture struct {
	DB      *store.DB
	Cache   *cache.Cache
	Folders *folders.Engine

	IDs         []int
	InvolvedIDs []int

	epoch    time.Time
	merges   atomic.Int64
	comments atomic.Int64
}

// LatencyStats captures operation latencies from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// CreateFixture opens a database at dbPath and seeds it with numBugs bugs.
//
// Roughly involvedPct of them name Email in one role (reporter, assignee,
// QA contact, CC, mentor or flag requestee). Each bug starts with one
// comment. Generation is deterministic.
func CreateFixture(ctx context.Context, dbPath string, numBugs int, involvedPct float64) (*Fixture, error) {
	db, err := store.OpenContext(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	p := prefs.New(db)
	c := cache.New(db, log.New(io.Discard, "", 0))
	f := &Fixture{
		DB:      db,
		Cache:   c,
		Folders: folders.New(c, p, Email),
		IDs:     make([]int, 0, numBugs),
		epoch:   time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second),
	}

	for _, b := range generateBugs(numBugs, involvedPct, f.epoch) {
		if _, _, err := c.Add(ctx, b, bug.MergeOptions{MarkRead: true}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to seed bug %d: %w", b.ID, err)
		}
		f.IDs = append(f.IDs, b.ID)
		if involves(b) {
			f.InvolvedIDs = append(f.InvolvedIDs, b.ID)
		}
		f.comments.Add(int64(len(b.Comments)))
	}
	return f, nil
}

// Close closes the database.
func (f *Fixture) Close() error {
	if f.DB != nil {
		return f.DB.Close()
	}
	return nil
}

// RunConcurrentReads runs numReaders goroutines, each evaluating folder
// counts readsPerReader times, and checks every result against the seeded
// involvement.
func (f *Fixture) RunConcurrentReads(ctx context.Context, numReaders, readsPerReader int) (*LatencyStats, error) {
	return f.run(numReaders, readsPerReader, func(int, int) error {
		counts, err := f.Folders.Counts(ctx)
		if err != nil {
			return err
		}
		if got := counts[folders.All].Total; got != len(f.InvolvedIDs) {
			return fmt.Errorf("all folder has %d bugs, want %d", got, len(f.InvolvedIDs))
		}
		return nil
	})
}

// RunConcurrentMerges runs numWriters goroutines, each merging
// mergesPerWriter records that add one new comment to a bug.
func (f *Fixture) RunConcurrentMerges(ctx context.Context, numWriters, mergesPerWriter int) (*LatencyStats, error) {
	return f.run(numWriters, mergesPerWriter, func(int, int) error {
		seq := int(f.merges.Add(1))
		id := f.IDs[(seq-1)%len(f.IDs)]
		at := f.epoch.Add(time.Duration(seq) * time.Second)
		in := &types.Bug{
			ID:             id,
			LastChangeTime: at,
			Comments: []types.Comment{{
				ID:           commentBase + seq,
				BugID:        id,
				Creator:      "writer@example.com",
				CreationTime: at,
				Text:         fmt.Sprintf("load comment %d", seq),
			}},
		}
		_, res, err := f.Cache.Add(ctx, in, bug.MergeOptions{})
		if err != nil {
			return err
		}
		if res.NewItems == 0 && !res.Changed {
			return fmt.Errorf("merge %d into bug %d changed nothing", seq, id)
		}
		f.comments.Add(1)
		return nil
	})
}

func (f *Fixture) run(workers, perWorker int, op func(worker, i int) error) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan time.Duration, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				start := time.Now()
				err := op(worker, i)
				elapsed := time.Since(start)
				if err != nil {
					errs <- fmt.Errorf("worker %d op %d failed: %w", worker, i, err)
					continue
				}
				results <- elapsed
			}
		}(w)
	}

	wg.Wait()
	close(results)
	close(errs)

	durations := make([]time.Duration, 0, workers*perWorker)
	for d := range results {
		durations = append(durations, d)
	}
	stats := computeLatencyStats(durations)

	var first error
	for err := range errs {
		stats.Errors++
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return stats, fmt.Errorf("%d operations failed, first: %w", stats.Errors, first)
	}
	return stats, nil
}

// VerifyNoLostUpdates checks that every merged comment is in the cache and
// in the database.
func (f *Fixture) VerifyNoLostUpdates(ctx context.Context) error {
	want := int(f.comments.Load())

	entities, err := f.Cache.GetAll(ctx)
	if err != nil {
		return err
	}
	got := 0
	for _, e := range entities {
		got += len(e.Snapshot().Comments)
	}
	if got != want {
		return fmt.Errorf("cache holds %d comments, want %d", got, want)
	}

	reloaded := cache.New(f.DB, log.New(io.Discard, "", 0))
	entities, err = reloaded.GetAll(ctx)
	if err != nil {
		return err
	}
	got = 0
	for _, e := range entities {
		got += len(e.Snapshot().Comments)
	}
	if got != want {
		return fmt.Errorf("database holds %d comments, want %d", got, want)
	}
	return nil
}

// VerifyNoRaceConditions runs folder readers against a concurrent writer
// for the given duration and checks every folder listing is consistent:
// no placeholders, no unknown IDs and newest first.
func (f *Fixture) VerifyNoRaceConditions(ctx context.Context, numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	known := make(map[int]bool, len(f.IDs))
	for _, id := range f.IDs {
		known[id] = true
	}

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if _, err := f.RunConcurrentMerges(ctx, 1, 1); err != nil && ctx.Err() == nil {
				errorsChan <- fmt.Errorf("writer failed: %w", err)
				return
			}
		}
	}()

	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				bugs, err := f.Folders.Folder(ctx, folders.All)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", reader, err)
					}
					return
				}
				for i, b := range bugs {
					if !b.HasData() || !known[b.ID] {
						errorsChan <- fmt.Errorf("reader %d saw unexpected bug %d", reader, b.ID)
						return
					}
					if i > 0 && b.LastChangeTime.After(bugs[i-1].LastChangeTime) {
						errorsChan <- fmt.Errorf("reader %d saw bug %d out of order", reader, b.ID)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(r)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// Summary returns statistics about the fixture.
func (f *Fixture) Summary() map[string]any {
	return map[string]any{
		"total_bugs":       len(f.IDs),
		"involved_bugs":    len(f.InvolvedIDs),
		"involved_percent": float64(len(f.InvolvedIDs)) / float64(max(len(f.IDs), 1)) * 100,
		"comments":         f.comments.Load(),
		"merges":           f.merges.Load(),
	}
}

// generateBugs creates count bugs with a fixed seed so runs are comparable.
func generateBugs(count int, involvedPct float64, epoch time.Time) []*types.Bug {
	rng := rand.New(rand.NewSource(42))
	statuses := []string{"NEW", "NEW", "ASSIGNED", "REOPENED", "RESOLVED"}
	others := []string{"alice@example.com", "bob@example.com", "carol@example.com"}

	bugs := make([]*types.Bug, 0, count)
	for i := 0; i < count; i++ {
		id := 100000 + i
		created := epoch.Add(-time.Duration(rng.Intn(365*24)) * time.Hour)
		changed := epoch.Add(-time.Duration(rng.Intn(30*24)) * time.Hour)
		b := &types.Bug{
			ID:             id,
			Summary:        fmt.Sprintf("Synthetic bug %d", i),
			Status:         statuses[rng.Intn(len(statuses))],
			Product:        "Core",
			Component:      "General",
			Creator:        others[rng.Intn(len(others))],
			AssignedTo:     others[rng.Intn(len(others))],
			CreationTime:   created,
			LastChangeTime: changed,
			Comments: []types.Comment{{
				ID:           id * 10,
				BugID:        id,
				Creator:      others[0],
				CreationTime: created,
				Text:         "description",
			}},
		}
		if b.Status == "RESOLVED" {
			b.Resolution = "FIXED"
		}
		if rng.Float64() < involvedPct {
			switch rng.Intn(6) {
			case 0:
				b.Creator = Email
			case 1:
				b.AssignedTo = Email
			case 2:
				b.QAContact = Email
			case 3:
				b.CC = []string{others[1], Email}
			case 4:
				b.Mentors = []string{Email}
			default:
				b.Flags = []types.Flag{{ID: id, Name: "needinfo", Status: "?", Requestee: Email, CreationDate: changed, ModificationDate: changed}}
			}
		}
		bugs = append(bugs, b)
	}
	return bugs
}

func involves(b *types.Bug) bool {
	for _, fl := range b.Flags {
		if fl.Requestee == Email {
			return true
		}
	}
	return slices.Contains(b.Participants(), Email)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
		Durations:  sorted,
	}
}

// Print writes the statistics in a fixed layout.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
