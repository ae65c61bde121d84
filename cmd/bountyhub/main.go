package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bountyhub/internal/app"
	"bountyhub/internal/config"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/migrate"
	"bountyhub/internal/repo"
	"bountyhub/internal/server"
)

var version = "dev"

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "bountyhub",
	Short: "Bountyhub bounty lifecycle and settlement",
	Long: `Bountyhub runs bounties from posting to payout.
- Bounty: a task with a reward that moves open -> in_progress -> completed -> approved -> paid.
- Client: the organisation that posts and funds bounties; its members approve and pay.
- Payout account: a worker's processor account; settlement transfers the reward minus the platform fee to it.
- Event log: every state change, relayed to webhooks and the message bus; view with 'bountyhub log tail'.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (default <workspace>/"+config.FileName+")")
	pf.Bool("json", false, "output JSON")
	pf.String("as", "", "user id to act as")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("db", "", "database file")
	_ = v.BindPFlag("workspace", pf.Lookup("workspace"))
	_ = v.BindPFlag("config", pf.Lookup("config"))
	_ = v.BindPFlag("json", pf.Lookup("json"))
	_ = v.BindPFlag("as", pf.Lookup("as"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("database.path", pf.Lookup("db"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(configCmd())
}

func options() app.Options {
	return app.Options{
		Workspace:  v.GetString("workspace"),
		ConfigPath: v.GetString("config"),
		Viper:      v,
		Version:    version,
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				rl, closeRelay := a.Relay(ctx)
				defer closeRelay()
				go rl.Run(ctx)

				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.InfoContext(ctx, "serving bountyhub api",
					"addr", a.Config.Server.Addr, "base_path", a.Config.Server.BasePath,
					"docs", a.Config.Server.BasePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-path", "", "API base path")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ver, dirty, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"version": ver, "dirty": dirty})
			})
		},
	}
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func relayCmd() *cobra.Command {
	c := &cobra.Command{Use: "relay", Short: "Forward events to configured sinks"}
	c.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single delivery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rl, closeRelay := a.Relay(ctx)
				defer closeRelay()
				return printJSONOrTable(rl.Tick(ctx))
			})
		},
	})
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration is read from " + config.FileName + " in the workspace, then BOUNTYHUB_* environment variables and flags.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(options())
			if v.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "hash-key KEY",
		Short: "Print the sha256 to store for an integration API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(server.HashAPIKey(args[0]))
			return nil
		},
	})
	return c
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actingUser resolves --as into an actor with the user's stored role.
func actingUser(ctx context.Context, a *app.App) (auth.Actor, error) {
	id := v.GetString("as")
	if id == "" {
		return auth.Actor{}, errors.New("--as is required")
	}
	u, err := a.Engine.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.Actor{}, fmt.Errorf("unknown user %q", id)
	}
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.NewActor(u.ID, u.Role), nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// printJSONOrTable renders objects as a field/value table unless --json is set.
func printJSONOrTable(val any) error {
	if v.GetBool("json") {
		return printJSON(val)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	var fields map[string]any
	if json.Unmarshal(b, &fields) != nil {
		return printJSON(val)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := newTable("Field", "Value")
	for _, k := range keys {
		cell := fields[k]
		switch cell.(type) {
		case map[string]any, []any:
			nested, _ := json.Marshal(cell)
			cell = string(nested)
		}
		tw.AppendRow(table.Row{k, cell})
	}
	tw.Render()
	return nil
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

func optionalString(cmd *cobra.Command, name, val string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &val
}
