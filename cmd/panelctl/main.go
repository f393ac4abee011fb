// Command panelctl runs reconciliation operations once from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphummel/panel_sync/internal/app"
	"github.com/tphummel/panel_sync/internal/config"
	"github.com/tphummel/panel_sync/internal/panelerr"
	"github.com/tphummel/panel_sync/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// errListingFailed marks a sync pass whose result is printed even though
// the panel listing failed.
var errListingFailed = errors.New("panel listing failed")

// opFunc is one subcommand's work against a wired App.
type opFunc func(ctx context.Context, a *app.App, args []string) (any, error)

type globals struct {
	panelURL string
	appKey   string
	dbPath   string
}

func newRootCmd(getenv func(string) string, stdout, stderr io.Writer) *cobra.Command {
	var g globals
	root := &cobra.Command{
		Use:           "panelctl",
		Short:         "Sync and inspect panel servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.panelURL, "panel-url", "", "panel base URL (overrides PANEL_URL)")
	root.PersistentFlags().StringVar(&g.appKey, "application-key", "", "panel application API key (overrides PANEL_APPLICATION_KEY)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "inventory database path (overrides DB_PATH)")

	run := func(fn opFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			out, err := withApp(cmd.Context(), g, getenv, stderr, func(ctx context.Context, a *app.App) (any, error) {
				return fn(ctx, a, args)
			})
			if err == nil || errors.Is(err, errListingFailed) {
				if werr := printJSON(stdout, out); werr != nil {
					return werr
				}
			}
			if err != nil && !errors.Is(err, errListingFailed) {
				printJSON(stderr, panelerr.Describe(err))
			}
			return err
		}
	}

	var identifier string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every server, or one with --identifier",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			if identifier != "" {
				return a.Service.SyncOne(ctx, identifier)
			}
			res, err := a.Service.SyncAll(ctx)
			if err != nil {
				return nil, err
			}
			if len(res.Synced) == 0 && len(res.Failures) == 1 && res.Failures[0].Identifier == "" {
				return res, errListingFailed
			}
			return res, nil
		}),
	}
	syncCmd.Flags().StringVar(&identifier, "identifier", "", "sync only this server")

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List inventory rows",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return a.Service.List(ctx, status)
		}),
	}
	listCmd.Flags().StringVar(&status, "status", "", "only rows with this status")

	statusCmd := &cobra.Command{
		Use:   "status IDENTIFIER",
		Short: "Show live status and resources",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return a.Service.LiveStatus(ctx, args[0])
		}),
	}

	powerCmd := &cobra.Command{
		Use:       "power IDENTIFIER start|stop|restart|kill",
		Short:     "Send a power signal",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"start", "stop", "restart", "kill"},
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return a.Service.SendPower(ctx, args[0], args[1])
		}),
	}

	var dryRun bool
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove rows for servers the panel no longer lists",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return a.Service.Prune(ctx, dryRun)
		}),
	}
	pruneCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")

	deleteCmd := &cobra.Command{
		Use:   "delete IDENTIFIER",
		Short: "Remove one inventory row",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app.App, args []string) (any, error) {
			if err := a.Service.Delete(ctx, args[0]); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": args[0]}, nil
		}),
	}

	root.AddCommand(syncCmd, listCmd, statusCmd, powerCmd, pruneCmd, deleteCmd)
	return root
}

// withApp loads configuration, with flags taking precedence over the
// environment, and runs fn against a freshly wired App.
func withApp(ctx context.Context, g globals, getenv func(string) string, stderr io.Writer, fn func(context.Context, *app.App) (any, error)) (any, error) {
	env := func(key string) string {
		switch key {
		case "PANEL_URL":
			return config.Resolve(g.panelURL, getenv(key))
		case "PANEL_APPLICATION_KEY":
			return config.Resolve(g.appKey, getenv(key))
		case "DB_PATH":
			return config.Resolve(g.dbPath, getenv(key))
		}
		return getenv(key)
	}
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	tp, shutdown, err := tracing.Setup(cfg.TracingEnabled, stderr)
	if err != nil {
		return nil, err
	}
	defer shutdown(context.Background())

	a, err := app.New(cfg, logger, tp)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
