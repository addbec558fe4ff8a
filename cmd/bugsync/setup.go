package main

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bugsync/bugsync/internal/config"
	"github.com/bugsync/bugsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Configure the account to sync",
	Long: `Write the instance, email and optional API key to the config file.

In a terminal, a form asks for any value not given as a flag. The API key
can also be supplied through BUGSYNC_ACCOUNT_API_KEY instead of being
written to disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		instance, _ := cmd.Flags().GetString("instance")
		email, _ := cmd.Flags().GetString("email")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if instance == "" {
			instance, _ = loader.Get(config.KeyInstance).(string)
		}

		catalog, err := config.LoadCatalog(filepath.Join(filepath.Dir(loader.Path()), config.InstancesFile))
		if err != nil {
			fatalf("%v", err)
		}

		if email == "" {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("--email is required when not running in a terminal")
			}
			if err := runInitForm(catalog, &instance, &email, &apiKey); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fatalf("%v", err)
			}
		}
		if err := validateEmail(email); err != nil {
			fatalf("%v", err)
		}
		inst, err := catalog.Lookup(instance)
		if err != nil {
			fatalf("%v", err)
		}

		values := map[string]any{
			config.KeyInstance: inst.Name,
			config.KeyEmail:    strings.TrimSpace(email),
		}
		if apiKey != "" {
			values[config.KeyAPIKey] = apiKey
		}
		if err := loader.Write(values); err != nil {
			fatalf("%v", err)
		}
		out.Success("Wrote %s", loader.Path())
		fmt.Println("Run 'bugsync sync' to fetch your bugs.")
	},
}

func runInitForm(catalog config.Catalog, instance, email, apiKey *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Instance").
				Options(huh.NewOptions(catalog.Names()...)...).
				Value(instance),
			huh.NewInput().
				Title("Email").
				Description("The address you use on the tracker").
				Value(email).
				Validate(validateEmail),
			huh.NewInput().
				Title("API key").
				Description("Optional. Needed to see private bugs.").
				EchoMode(huh.EchoModePassword).
				Value(apiKey),
		),
	)
	return form.Run()
}

func validateEmail(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("email is required")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return fmt.Errorf("invalid email %q", s)
	}
	return nil
}

var prefCmd = &cobra.Command{
	Use:     "pref",
	GroupID: "setup",
	Short:   "Show or change account preferences",
	Long: `Preferences are stored with the account's local data.

Known keys:
  notifications.ignore_cc_changes  Do not mark a bug unread when only its CC
                                   list changed (default true)`,
}

var prefListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored preferences",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		all, err := a.Prefs.All(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, all[k])
		}
	},
}

var prefGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a preference",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		v, set, err := a.Prefs.String(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		switch {
		case v == "":
			fmt.Printf("%s is not set\n", args[0])
		case !set:
			fmt.Printf("%s (default)\n", v)
		default:
			fmt.Println(v)
		}
	},
}

var prefSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a preference",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		if err := a.Prefs.SetString(ctx, args[0], args[1]); err != nil {
			fatalf("%v", err)
		}
		out.Success("Set %s", args[0])
	},
}

var prefUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Revert a preference to its default",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx, false)
		defer a.Close()

		if err := a.Prefs.Delete(ctx, args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Success("Unset %s", args[0])
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Close the account, optionally deleting its local data",
	Run: func(cmd *cobra.Command, args []string) {
		reset, _ := cmd.Flags().GetBool("reset")
		yes, _ := cmd.Flags().GetBool("yes")

		if reset && !yes {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("--reset deletes all local data; pass --yes to confirm")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete all local data for this account?").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		ctx := context.Background()
		a := openApp(ctx, false)
		email := a.Config.Account.Email
		if err := a.Logout(ctx, reset); err != nil {
			fatalf("%v", err)
		}
		if reset {
			out.Success("Removed local data for %s", email)
			return
		}
		out.Success("Logged out %s", email)
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show the effective configuration",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.Source != "" {
			fmt.Printf("# %s\n", cfg.Source)
		} else {
			fmt.Printf("# %s (not created yet)\n", loader.Path())
		}
		if err := cfg.Dump(os.Stdout); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	initCmd.Flags().String("instance", "", "instance name from the catalog")
	initCmd.Flags().String("email", "", "account email")
	initCmd.Flags().String("api-key", "", "API key (prefer BUGSYNC_ACCOUNT_API_KEY)")
	logoutCmd.Flags().Bool("reset", false, "delete all local data for the account")
	logoutCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	prefCmd.AddCommand(prefListCmd, prefGetCmd, prefSetCmd, prefUnsetCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(prefCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(configCmd)
}
