package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bugsync/bugsync/internal/export"
	"github.com/bugsync/bugsync/internal/loadtest"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Export the local cache as JSONL",
	Long: `Write every cached bug, with its comments, history and local
annotations (unread, starred, last viewed), as one JSON object per line.

Examples:
  bugsync export > bugs.jsonl
  bugsync export -o ~/backup/bugs.jsonl`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dest, _ := cmd.Flags().GetString("output")

		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		if dest == "" || dest == "-" {
			if _, err := export.Export(ctx, a.Cache, os.Stdout); err != nil {
				fatalf("%v", err)
			}
			return
		}
		n, err := export.ExportFile(ctx, a.Cache, dest)
		if err != nil {
			fatalf("%v", err)
		}
		out.Success("Exported %d bugs to %s", n, dest)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Merge a JSONL export into the local cache",
	Long: `Merge bugs from a file written by 'bugsync export'.

Records go through the same merge as fetched data: nothing is duplicated and
importing a file twice changes nothing the second time. Annotations are
restored for bugs that were not cached yet.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		res, err := export.ImportFile(ctx, a.Cache, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		for _, e := range res.Errors {
			out.Warn("%s", e)
		}
		out.Success("Imported %d bugs (%d new, %d updated, %d unchanged)",
			res.Read-len(res.Errors), res.Created, res.Updated, res.Unchanged)
	},
}

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Load test the local cache",
	Long: `Seed a throwaway SQLite cache with synthetic bugs and measure folder
queries and merges under concurrency.

The account database is not touched. After the timed runs, every merged
comment is checked against the cache and a fresh reload of the database.

Examples:
  bugsync bench
  bugsync bench --bugs 5000 --workers 50 --json`,
	Args: cobra.NoArgs,
	Run:  runBench,
}

// benchReport is the --json output of bench.
type benchReport struct {
	Fixture map[string]any         `json:"fixture"`
	Reads   *loadtest.LatencyStats `json:"reads"`
	Merges  *loadtest.LatencyStats `json:"merges"`
	Elapsed string                 `json:"elapsed"`
}

func runBench(cmd *cobra.Command, args []string) {
	numBugs, _ := cmd.Flags().GetInt("bugs")
	workers, _ := cmd.Flags().GetInt("workers")
	ops, _ := cmd.Flags().GetInt("ops")
	involved, _ := cmd.Flags().GetFloat64("involved")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if numBugs <= 0 {
		fatalf("--bugs must be positive")
	}
	if workers <= 0 {
		fatalf("--workers must be positive")
	}
	if ops <= 0 {
		fatalf("--ops must be positive")
	}
	if involved < 0 || involved > 1 {
		fatalf("--involved must be between 0.0 and 1.0")
	}

	dir, err := os.MkdirTemp("", "bugsync-bench-")
	if err != nil {
		fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	start := time.Now()
	f, err := loadtest.CreateFixture(ctx, filepath.Join(dir, "bench.db"), numBugs, involved)
	if err != nil {
		fatalf("%v", err)
	}
	defer f.Close()
	if !jsonOutput {
		fmt.Printf("Seeded %d bugs (%d involved) in %s\n\n", numBugs, len(f.InvolvedIDs), time.Since(start).Round(time.Millisecond))
	}

	reads, err := f.RunConcurrentReads(ctx, workers, ops)
	if err != nil {
		fatalf("read run failed: %v", err)
	}
	merges, err := f.RunConcurrentMerges(ctx, workers, ops)
	if err != nil {
		fatalf("merge run failed: %v", err)
	}
	if err := f.VerifyNoLostUpdates(ctx); err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		reads.Durations, merges.Durations = nil, nil
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(benchReport{
			Fixture: f.Summary(),
			Reads:   reads,
			Merges:  merges,
			Elapsed: time.Since(start).String(),
		}); err != nil {
			fatalf("%v", err)
		}
		return
	}

	fmt.Printf("Folder counts (%d workers x %d):\n", workers, ops)
	reads.Print(os.Stdout)
	fmt.Printf("\nMerges (%d workers x %d):\n", workers, ops)
	merges.Print(os.Stdout)
	fmt.Println()
	out.Success("No lost updates (%s total)", time.Since(start).Round(time.Millisecond))
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", `output file ("-" or empty for stdout)`)

	benchCmd.Flags().Int("bugs", 1000, "number of synthetic bugs")
	benchCmd.Flags().Int("workers", 20, "concurrent readers and writers")
	benchCmd.Flags().Int("ops", 10, "operations per worker")
	benchCmd.Flags().Float64("involved", 0.3, "share of bugs involving the account (0.0-1.0)")
	benchCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(benchCmd)
}
