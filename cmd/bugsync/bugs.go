package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bugsync/bugsync/internal/app"
	"github.com/bugsync/bugsync/internal/folders"
	"github.com/bugsync/bugsync/internal/types"
	"github.com/bugsync/bugsync/internal/ui"
)

var folderCmd = &cobra.Command{
	Use:     "folder [name]",
	GroupID: "bugs",
	Short:   "List the bugs in a folder",
	Long: `List the bugs in a folder, most recently changed first.

Folders: ` + strings.Join(folders.Names, ", ") + `

Without a name, the unread and total counts of every folder are shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		if len(args) == 0 {
			counts, err := a.Folders.Counts(ctx)
			if err != nil {
				fatalf("%v", err)
			}
			out.Counts(counts)
			return
		}

		bugs, err := a.Folders.Folder(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		out.Folder(args[0], bugs)
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "bugs",
	Short:   "Show a bug and mark it viewed",
	Long: `Show a bug with its comments. The bug is fetched first if it is not
cached, marked read, and kept subscribed for push updates while the daemon
runs.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseID(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		format, _ := cmd.Flags().GetString("format")

		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		b, err := a.View(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		if err := writeBug(os.Stdout, b, format); err != nil {
			fatalf("%v", err)
		}
	},
}

// writeBug renders b as text, json or yaml.
func writeBug(w io.Writer, b *types.Bug, format string) error {
	switch format {
	case "", "text":
		ui.NewPrinter(w).Bug(b)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	case "yaml":
		// Round-trip through JSON so YAML keys match the wire names.
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

// annotateCmd builds a command that applies a local action to each bug ID.
func annotateCmd(use, short, done string, apply func(a *app.App, ctx context.Context, id int) error) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>...",
		GroupID: "bugs",
		Short:   short,
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ids := make([]int, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					fatalf("%v", err)
				}
				ids = append(ids, id)
			}

			ctx := context.Background()
			a := openApp(ctx, false)
			failed := 0
			for _, id := range ids {
				if err := apply(a, ctx, id); err != nil {
					out.Warn("Bug %d: %v", id, err)
					failed++
					continue
				}
				out.Success("Bug %d %s", id, done)
			}
			a.Close()
			if failed > 0 {
				os.Exit(1)
			}
		},
	}
}

var attachmentCmd = &cobra.Command{
	Use:     "attachment <id>",
	GroupID: "bugs",
	Short:   "Download an attachment",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseID(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		dest, _ := cmd.Flags().GetString("output")

		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		att, err := a.Attachment(ctx, id)
		if err != nil {
			fatalf("%v", err)
		}
		if dest == "" {
			dest = att.FileName
		}
		if dest == "" || dest == "-" {
			_, _ = os.Stdout.Write(att.Data)
			return
		}
		if err := os.WriteFile(dest, att.Data, 0o644); err != nil {
			fatalf("failed to write %s: %v", dest, err)
		}
		out.Success("Saved %s (%d bytes)", dest, len(att.Data))
	},
}

func init() {
	showCmd.Flags().StringP("format", "f", "text", "output format: text, json or yaml")
	attachmentCmd.Flags().StringP("output", "o", "", `output file ("-" for stdout, default: the attachment's file name)`)

	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(attachmentCmd)

	rootCmd.AddCommand(
		annotateCmd("star", "Star bugs", "starred", func(a *app.App, ctx context.Context, id int) error {
			return a.Star(ctx, id, true)
		}),
		annotateCmd("unstar", "Unstar bugs", "unstarred", func(a *app.App, ctx context.Context, id int) error {
			return a.Star(ctx, id, false)
		}),
		annotateCmd("read", "Mark bugs read", "marked read", (*app.App).MarkRead),
		annotateCmd("unread", "Mark bugs unread", "marked unread", (*app.App).MarkUnread),
	)
}
