// Command bugsync keeps a local, offline-readable copy of the bugs an
// account is involved in.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bugsync/bugsync/internal/app"
	"github.com/bugsync/bugsync/internal/config"
	"github.com/bugsync/bugsync/internal/logging"
	"github.com/bugsync/bugsync/internal/ui"
)

var (
	configPath string
	ephemeral  bool
	verbose    bool

	loader *config.Loader
	logs   *logging.Factory
	out    *ui.Printer
)

var rootCmd = &cobra.Command{
	Use:   "bugsync",
	Short: "Local-first bug tracker sync",
	Long: `bugsync mirrors the bugs you are involved in into a local database.

Bugs are fetched over the tracker's REST API, merged into the local cache
and sorted into folders (inbox, starred, assigned, ...). The daemon keeps the
cache fresh on a schedule and through push notifications.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		loader, err = config.NewLoader(configPath, nil)
		if err != nil {
			return err
		}
		out = ui.NewPrinter(os.Stdout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep all data in memory for this run")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log component activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "bugs", Title: "Bugs:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig resolves the settings or exits.
func loadConfig() *config.Config {
	cfg, err := loader.Config()
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// openApp opens the configured account or exits. Component logs go to the
// configured log file, or to stderr with --verbose or when always is set.
func openApp(ctx context.Context, always bool) *app.App {
	cfg := loadConfig()
	var err error
	logs, err = logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      cfg.Log.File == "" && !verbose && !always,
	})
	if err != nil {
		fatalf("%v", err)
	}
	a, err := app.Open(ctx, app.Options{Config: cfg, Logs: logs, Ephemeral: ephemeral})
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

// parseID parses a positive bug or attachment ID.
func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
