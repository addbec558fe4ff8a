package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/bugsync/bugsync/internal/config"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Fetch changed bugs once",
	Long: `Run one sync cycle: list the bugs that changed since the last
successful sync, fetch them in batches and merge them into the local cache.

The first sync fetches every open bug you are involved in and marks them
read. Later syncs mark bugs with new activity unread.

Examples:
  bugsync sync
  bugsync sync --since "3 days ago"
  bugsync sync --since 2024-05-01T00:00:00Z`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := openApp(ctx, false)
		defer a.Close()

		if s, _ := cmd.Flags().GetString("since"); s != "" {
			since, err := parseSince(s, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			if err := a.Prefs.SetLastLoaded(ctx, since); err != nil {
				fatalf("failed to set sync start: %v", err)
			}
			fmt.Printf("Fetching changes since %s\n", since.Format(time.RFC3339))
		}

		res, err := a.SyncNow(ctx)
		out.SyncResult(res, err)
		if err != nil {
			a.Close()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show folder counts and the last sync",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		st, err := a.Status(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Account:   %s on %s\n", st.Email, st.Instance)
		fmt.Printf("Bugs:      %d\n", st.Bugs)
		if st.LastLoaded != nil {
			fmt.Printf("Last sync: %s\n", st.LastLoaded.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync: never (run 'bugsync sync')\n")
		}

		if check, _ := cmd.Flags().GetBool("check-server"); check {
			v, err := a.Remote.CheckVersion(ctx)
			switch {
			case err != nil && v == "":
				out.Warn("Server: %v", err)
			case err != nil:
				out.Warn("Server: %s is not supported: %v", v, err)
			default:
				fmt.Printf("Server:    %s\n", v)
			}
		}
		fmt.Println()
		out.Counts(st.Folders)
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the cache fresh in the foreground",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon:
  1. Syncs at startup and then every sync.interval
  2. Connects to the instance's push endpoint and refreshes bugs as they change
  3. Syncs again whenever the push connection is re-established
  4. Picks up sync.interval changes from the config file without a restart`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := openApp(ctx, true)
		defer a.Close()

		loader.Watch(func(cfg *config.Config) {
			a.Reload(cfg)
		})

		fmt.Printf("Syncing %s every %s. Press Ctrl+C to stop...\n", a.Config.Account.Email, a.Config.Sync.Interval)
		if err := a.RunDaemon(ctx); err != nil {
			a.Close()
			fatalf("%v", err)
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	syncCmd.Flags().String("since", "", `re-fetch changes since a time ("yesterday", "2 weeks ago", RFC3339)`)
	statusCmd.Flags().Bool("check-server", false, "also check the server version")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// parseSince accepts RFC3339 timestamps, plain dates and natural language
// such as "3 days ago".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("time %q is in the future", s)
	}
	return r.Time, nil
}
