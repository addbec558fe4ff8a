package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bugsync/bugsync/internal/store"
)

func newFixture(t *testing.T, numBugs int) *Fixture {
	t.Helper()
	f, err := CreateFixture(context.Background(), filepath.Join(t.TempDir(), "load.db"), numBugs, 0.3)
	if err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCreateFixture(t *testing.T) {
	f := newFixture(t, 200)

	if len(f.IDs) != 200 {
		t.Errorf("Expected 200 bugs, got %d", len(f.IDs))
	}
	pct := float64(len(f.InvolvedIDs)) / float64(len(f.IDs)) * 100
	if pct < 15 || pct > 45 {
		t.Errorf("Expected ~30%% involved bugs, got %.1f%% (%d/%d)", pct, len(f.InvolvedIDs), len(f.IDs))
	}

	n, err := f.DB.Count(context.Background(), store.PartitionBugs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 200 {
		t.Errorf("Expected 200 stored bugs, got %d", n)
	}
	t.Logf("Fixture: %+v", f.Summary())
}

func TestGenerateBugs_Deterministic(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := generateBugs(50, 0.5, epoch)
	b := generateBugs(50, 0.5, epoch)
	for i := range a {
		if a[i].Creator != b[i].Creator || a[i].Status != b[i].Status || !a[i].LastChangeTime.Equal(b[i].LastChangeTime) {
			t.Fatalf("bug %d differs between runs", i)
		}
	}
}

func TestConcurrentReads_Small(t *testing.T) {
	f := newFixture(t, 100)

	stats, err := f.RunConcurrentReads(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during reads", stats.Errors)
	}
	if stats.Operations != 50 {
		t.Errorf("Expected 50 operations, got %d", stats.Operations)
	}

	var buf bytes.Buffer
	stats.Print(&buf)
	if !strings.Contains(buf.String(), "Operations:    50") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestConcurrentMerges_NoLostUpdates(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	// 8 writers x 10 merges over 20 bugs: every bug is written by several
	// goroutines.
	stats, err := f.RunConcurrentMerges(ctx, 8, 10)
	if err != nil {
		t.Fatalf("Concurrent merges failed: %v", err)
	}
	if stats.Operations != 80 {
		t.Errorf("Expected 80 merges, got %d", stats.Operations)
	}
	if err := f.VerifyNoLostUpdates(ctx); err != nil {
		t.Fatal(err)
	}

	// Merges never change involvement.
	if _, err := f.RunConcurrentReads(ctx, 4, 2); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyNoRaceConditions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timed race check in short mode")
	}
	f := newFixture(t, 50)
	if err := f.VerifyNoRaceConditions(context.Background(), 5, 300*time.Millisecond); err != nil {
		t.Fatalf("Race check failed: %v", err)
	}
	if f.merges.Load() == 0 {
		t.Error("writer made no progress")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(durations)

	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 96*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("P50/P95/P99 = %v/%v/%v", s.P50, s.P95, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", s.Mean)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}
	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
